// Command biomapper runs identifier harmonization strategies and resolves
// identifiers across ontology types.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: biomapper [-config settings.yaml] <command> [flags] [args]

commands:
  run <strategy|file>          execute a strategy (-set key=value overrides parameters)
  validate <file|dir>...       check strategy documents against the registered actions
  actions                      list registered action types
  resolve -from T -to T ids... resolve identifiers through the metamapping engine
  schedule add|list|remove|serve
                               manage and serve cron-scheduled strategy runs
  diagram <strategy|file>      render a strategy (-capabilities or -from/-to for the mapping graph)
  version                      print the version
`

func main() {
	args := os.Args[1:]
	configPath := ""
	if len(args) >= 2 && (args[0] == "-config" || args[0] == "--config") {
		configPath, args = args[1], args[2:]
	}
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, rest := args[0], args[1:]
	if cmd == "version" {
		printVersion()
		return
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Print(usage)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var code int
	switch cmd {
	case "run":
		code = runStrategy(cfg, rest)
	case "validate":
		code = runValidate(cfg, rest)
	case "actions":
		code = runActions(cfg, rest)
	case "resolve":
		code = runResolve(cfg, rest)
	case "schedule":
		code = runSchedule(cfg, rest)
	case "diagram":
		code = runDiagram(cfg, rest)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n%s", cmd, usage)
		code = 2
	}
	os.Exit(code)
}
