package main

import (
	"github.com/kubewarden/policy-evaluator/cmd/policy-eval/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()
	cmd.Execute(rootCmd)
}
