package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/socialfusion/chatsync/internal/app"
	"github.com/socialfusion/chatsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	engine := fx.New(
		app.Module(app.Params{Profile: name}),
	)

	engine.Run()
}
