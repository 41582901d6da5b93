package main

import "github.com/ramiqadoumi/go-task-dispatch/services/dispatcher/cli"

func main() {
	cli.Execute()
}
