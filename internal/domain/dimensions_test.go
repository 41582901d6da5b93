package domain_test

import (
	"reflect"
	"testing"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
)

func TestFlatten_SortedAndDeduplicated(t *testing.T) {
	d := domain.Dimensions{
		"pool": {"default"},
		"os":   {"Windows-3.1.1", "Windows", "Windows"},
		"id":   {"localhost"},
	}
	want := []string{"id:localhost", "os:Windows", "os:Windows-3.1.1", "pool:default"}
	if got := d.Flatten(); !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %v, want %v", got, want)
	}
}

func TestMatchedBy(t *testing.T) {
	bot := domain.Dimensions{
		"foo":  {"bar"},
		"id":   {"localhost"},
		"os":   {"Windows", "Windows-3.1.1"},
		"pool": {"default"},
	}
	tests := []struct {
		name string
		task domain.Dimensions
		want bool
	}{
		{"subset", domain.Dimensions{"os": {"Windows-3.1.1"}, "pool": {"default"}}, true},
		{"all values", domain.Dimensions{"os": {"Windows", "Windows-3.1.1"}}, true},
		{"missing key", domain.Dimensions{"gpu": {"none"}, "pool": {"default"}}, false},
		{"wrong value", domain.Dimensions{"pool": {"other"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.MatchedBy(bot); got != tt.want {
				t.Errorf("MatchedBy() = %v, want %v", got, tt.want)
			}
			if got := domain.FlatMatchedBy(tt.task.Flatten(), bot); got != tt.want {
				t.Errorf("FlatMatchedBy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnflatten_RoundTrip(t *testing.T) {
	d := domain.Dimensions{"os": {"a", "b"}, "pool": {"p"}}
	if got := domain.Unflatten(d.Flatten()); !reflect.DeepEqual(got, d) {
		t.Errorf("Unflatten(Flatten()) = %v, want %v", got, d)
	}
}
