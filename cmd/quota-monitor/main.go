package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runTUI(nil)
	}

	switch args[0] {
	case "tui":
		return runTUI(args[1:])
	case "run":
		return runHeadless(args[1:])
	case "status":
		return runStatus(args[1:])
	case "login":
		return runLogin(args[1:])
	case "logout":
		return runLogout(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "completion":
		return runCompletion(args[1:])
	case "-h", "--help", "help":
		printRootUsage()
		return 0
	default:
		// Treat bare flags as TUI flags for better UX.
		if strings.HasPrefix(args[0], "-") {
			return runTUI(args)
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printRootUsage()
		return 2
	}
}

func runCompletion(args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "error: completion accepts zero or one shell argument (bash or zsh)")
		return 2
	}
	shell := "bash"
	if len(args) == 1 {
		shell = strings.TrimSpace(args[0])
	}
	script, err := completionScript(shell)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	fmt.Print(script)
	return 0
}

func printRootUsage() {
	fmt.Println("quota monitor")
	fmt.Println()
	fmt.Println("Track subscription quota (session and weekly windows) in a terminal user interface (TUI),")
	fmt.Println("raise notifications when usage crosses thresholds, and serve a local control API.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  quota-monitor                       Run terminal user interface (default)")
	fmt.Println("  quota-monitor tui [flags]           Run terminal user interface explicitly")
	fmt.Println("  quota-monitor run [flags]           Poll headless and serve the control API")
	fmt.Println("  quota-monitor status [flags]        Fetch once and print current quota")
	fmt.Println("  quota-monitor login [flags]         Sign in with the browser authorization flow")
	fmt.Println("  quota-monitor logout [flags]        Remove stored credentials")
	fmt.Println("  quota-monitor doctor [flags]        Run setup and endpoint checks")
	fmt.Println("  quota-monitor completion [shell]    Print shell completion script")
	fmt.Println()
	fmt.Println("Completion:")
	fmt.Println("  quota-monitor completion bash > ~/.local/share/bash-completion/completions/quota-monitor")
	fmt.Println("  quota-monitor completion zsh > ~/.zsh/completions/_quota-monitor")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --config PATH     Config file (default $QUOTA_MONITOR_HOME/config.yaml)")
	fmt.Println()
	fmt.Println("Terminal user interface flags:")
	fmt.Println("  --pause 30m       Duration of the p (pause) key")
	fmt.Println("  --no-color        Disable color styling")
	fmt.Println("  --no-alt-screen   Disable alternate screen mode")
	fmt.Println()
	fmt.Println("Run flags:")
	fmt.Println("  --addr ADDR       Control API listen address (overrides server.addr)")
	fmt.Println()
	fmt.Println("Status and doctor flags:")
	fmt.Println("  --json            Output as JSON")
	fmt.Println("  --timeout 20s     Request timeout")
}

func completionScript(shell string) (string, error) {
	switch shell {
	case "bash":
		return `# bash completion for quota-monitor
_quota_monitor_completion() {
  local cur prev words cword
  _init_completion || return
  local commands="tui run status login logout doctor completion help"
  if [[ ${cword} -eq 1 ]]; then
    COMPREPLY=( $(compgen -W "${commands}" -- "${cur}") )
    return
  fi
  case "${words[1]}" in
    completion)
      COMPREPLY=( $(compgen -W "bash zsh" -- "${cur}") )
      ;;
    doctor|status)
      COMPREPLY=( $(compgen -W "--config --json --timeout" -- "${cur}") )
      ;;
    run)
      COMPREPLY=( $(compgen -W "--config --addr" -- "${cur}") )
      ;;
    login|logout)
      COMPREPLY=( $(compgen -W "--config" -- "${cur}") )
      ;;
    tui)
      COMPREPLY=( $(compgen -W "--config --pause --no-color --no-alt-screen" -- "${cur}") )
      ;;
    *)
      COMPREPLY=( $(compgen -W "${commands}" -- "${cur}") )
      ;;
  esac
}
complete -F _quota_monitor_completion quota-monitor
`, nil
	case "zsh":
		return `#compdef quota-monitor
_quota_monitor() {
  local -a commands
  commands=(
    'tui:run terminal user interface'
    'run:poll headless and serve the control API'
    'status:fetch once and print current quota'
    'login:sign in with the browser authorization flow'
    'logout:remove stored credentials'
    'doctor:run setup and endpoint checks'
    'completion:print shell completion script'
    'help:show help text'
  )
  if (( CURRENT == 2 )); then
    _describe 'command' commands
    return
  fi
  case "${words[2]}" in
    completion)
      _values 'shell' bash zsh
      ;;
    doctor|status)
      _values 'flag' --config --json --timeout
      ;;
    run)
      _values 'flag' --config --addr
      ;;
    login|logout)
      _values 'flag' --config
      ;;
    tui)
      _values 'flag' --config --pause --no-color --no-alt-screen
      ;;
  esac
}
_quota_monitor "$@"
`, nil
	default:
		return "", fmt.Errorf("unsupported shell %q (expected bash or zsh)", shell)
	}
}
