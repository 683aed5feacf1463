package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/liger-go/liger/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
