package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BashCompletion is the bash completion script of the schedules command.
const BashCompletion = `#!/bin/bash
# Bash completion for the schedules CLI

_schedules_completion() {
    local cur prev
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    local commands="watch list completion help"
    local filter_flags="--route --date"
    local global_flags="--help --env --email --log-level"

    case "${prev}" in
        watch|list)
            COMPREPLY=( $(compgen -W "${filter_flags} ${global_flags}" -- ${cur}) )
            return 0
            ;;
        completion)
            COMPREPLY=( $(compgen -W "bash zsh fish" -- ${cur}) )
            return 0
            ;;
        --env)
            COMPREPLY=( $(compgen -f -- ${cur}) )
            return 0
            ;;
        --log-level)
            COMPREPLY=( $(compgen -W "debug info warn error" -- ${cur}) )
            return 0
            ;;
        *)
            ;;
    esac

    COMPREPLY=( $(compgen -W "${commands}" -- ${cur}) )
    return 0
}

complete -F _schedules_completion schedules
`

// ZshCompletion is the zsh completion script of the schedules command.
const ZshCompletion = `#compdef schedules

_schedules() {
    local -a commands
    commands=(
        'watch:Follow departures and change filters interactively'
        'list:Print departures once'
        'completion:Generate shell completion script'
        'help:Show help information'
    )

    local -a filter_flags
    filter_flags=(
        '--route[Route id filter]:route:'
        '--date[Date filter (YYYY-MM-DD)]:date:'
    )

    local -a global_flags
    global_flags=(
        '--help[Show help information]'
        '--env[Env file path]:file:_files'
        '--email[Account email]:email:'
        '--log-level[Log level]:level:(debug info warn error)'
    )

    _arguments -C \
        '1: :->command' \
        '*:: :->args' \
        $global_flags

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
                watch|list)
                    _arguments $filter_flags $global_flags
                    ;;
                completion)
                    _values 'shell' bash zsh fish
                    ;;
            esac
            ;;
    esac
}

_schedules "$@"
`

// FishCompletion is the fish completion script of the schedules command.
const FishCompletion = `# Fish completion for the schedules CLI

complete -c schedules -f -n "__fish_use_subcommand" -a "watch" -d "Follow departures interactively"
complete -c schedules -f -n "__fish_use_subcommand" -a "list" -d "Print departures once"
complete -c schedules -f -n "__fish_use_subcommand" -a "completion" -d "Generate shell completion"
complete -c schedules -f -n "__fish_use_subcommand" -a "help" -d "Show help information"

complete -c schedules -f -n "__fish_seen_subcommand_from watch list" -l route -x -d "Route id filter"
complete -c schedules -f -n "__fish_seen_subcommand_from watch list" -l date -x -d "Date filter (YYYY-MM-DD)"

complete -c schedules -f -n "__fish_seen_subcommand_from completion" -a "bash" -d "Generate bash completion"
complete -c schedules -f -n "__fish_seen_subcommand_from completion" -a "zsh" -d "Generate zsh completion"
complete -c schedules -f -n "__fish_seen_subcommand_from completion" -a "fish" -d "Generate fish completion"

complete -c schedules -l help -d "Show help information"
complete -c schedules -l env -r -d "Env file path"
complete -c schedules -l email -x -d "Account email"
complete -c schedules -l log-level -x -a "debug info warn error" -d "Log level"
`

func completionScript(shell string) (string, error) {
	switch shell {
	case "bash":
		return BashCompletion, nil
	case "zsh":
		return ZshCompletion, nil
	case "fish":
		return FishCompletion, nil
	default:
		return "", fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish)", shell)
	}
}

// GenerateCompletion writes the completion script for shell to w.
func GenerateCompletion(w io.Writer, shell string) error {
	script, err := completionScript(shell)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, script)
	return err
}

// InstallCompletion installs the completion script under homeDir and returns
// its path.
func InstallCompletion(homeDir, shell string) (string, error) {
	script, err := completionScript(shell)
	if err != nil {
		return "", err
	}

	var installPath string
	switch shell {
	case "bash":
		installPath = filepath.Join(homeDir, ".bash_completion.d", "schedules")
	case "zsh":
		installPath = filepath.Join(homeDir, ".zsh", "completion", "_schedules")
	case "fish":
		installPath = filepath.Join(homeDir, ".config", "fish", "completions", "schedules.fish")
	}

	if err := os.MkdirAll(filepath.Dir(installPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create completion directory: %w", err)
	}
	if err := os.WriteFile(installPath, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("failed to write completion script: %w", err)
	}
	return installPath, nil
}

// CompletionHint tells the user how to enable an installed script.
func CompletionHint(shell string) string {
	switch shell {
	case "bash":
		return "source ~/.bash_completion.d/schedules"
	case "zsh":
		return "fpath=(~/.zsh/completion $fpath); autoload -Uz compinit && compinit"
	default:
		return "fish loads completions from ~/.config/fish/completions/ automatically"
	}
}
