// Package command parses and executes /tau commands. The command set is a
// closed dispatch table: new commands are additions here, not plugins.
// Denials and argument errors are values with reason codes.
package command

import (
	"strconv"
	"strings"

	"github.com/njfio/tau/pkg/protocol"
)

// Name identifies a top-level /tau command.
type Name string

const (
	CmdHelp      Name = "help"
	CmdStatus    Name = "status"
	CmdHealth    Name = "health"
	CmdCompact   Name = "compact"
	CmdChat      Name = "chat"
	CmdArtifacts Name = "artifacts"
	CmdAuth      Name = "auth"
	CmdDoctor    Name = "doctor"
	CmdCanvas    Name = "canvas"
	CmdDemoIndex Name = "demo-index"
	CmdSummarize Name = "summarize"
	CmdStop      Name = "stop"
)

// Command is one parsed /tau invocation.
type Command struct {
	Name Name
	Sub  string
	Args []string

	// Flag values, zero when absent.
	Role           string
	Limit          int
	Only           []string
	TimeoutSeconds int
	Purge          bool
	Online         bool
}

// ParseError carries the reason code for a rejected command line.
type ParseError struct {
	ReasonCode string
	Detail     string
}

func (e *ParseError) Error() string { return e.ReasonCode + ": " + e.Detail }

// IsCommand reports whether text begins a /tau invocation, tolerating the
// group-chat "@bot" suffix.
func IsCommand(text, botMention string) bool {
	first := firstToken(text)
	return first == "/tau" || (botMention != "" && first == "/tau@"+botMention)
}

func firstToken(text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Parse decodes a /tau command line deterministically. The caller has
// already established via IsCommand that the line addresses the bot.
func Parse(text string) (*Command, *ParseError) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return nil, &ParseError{ReasonCode: protocol.CommandUnknown, Detail: "empty command"}
	}
	rest := fields[1:]

	if len(rest) == 0 {
		return &Command{Name: CmdHelp}, nil
	}

	switch rest[0] {
	case "help":
		return requireNoArgs(CmdHelp, rest[1:])
	case "status":
		return requireNoArgs(CmdStatus, rest[1:])
	case "health":
		return requireNoArgs(CmdHealth, rest[1:])
	case "compact":
		return requireNoArgs(CmdCompact, rest[1:])
	case "stop":
		return requireNoArgs(CmdStop, rest[1:])
	case "chat":
		return parseChat(rest[1:])
	case "artifacts":
		return parseArtifacts(rest[1:])
	case "auth":
		return parseAuth(rest[1:])
	case "doctor":
		return parseDoctor(rest[1:])
	case "canvas":
		if len(rest) < 2 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "canvas requires a subcommand"}
		}
		return &Command{Name: CmdCanvas, Sub: rest[1], Args: rest[2:]}, nil
	case "demo-index":
		return parseDemoIndex(rest[1:])
	case "summarize":
		return &Command{Name: CmdSummarize, Args: rest[1:]}, nil
	default:
		return nil, &ParseError{ReasonCode: protocol.CommandUnknown, Detail: "unknown subcommand " + rest[0]}
	}
}

func requireNoArgs(name Name, args []string) (*Command, *ParseError) {
	if len(args) > 0 {
		return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: string(name) + " takes no arguments"}
	}
	return &Command{Name: name}, nil
}

var chatSubs = map[string]bool{
	"start": true, "resume": true, "reset": true, "export": true,
	"status": true, "summary": true, "replay": true, "show": true, "search": true,
}

func parseChat(args []string) (*Command, *ParseError) {
	if len(args) == 0 {
		return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "chat requires a subcommand"}
	}
	sub := args[0]
	if !chatSubs[sub] {
		return nil, &ParseError{ReasonCode: protocol.CommandUnknown, Detail: "unknown chat subcommand " + sub}
	}
	cmd := &Command{Name: CmdChat, Sub: sub}

	switch sub {
	case "show":
		if len(args) > 2 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "chat show takes at most one count"}
		}
		cmd.Limit = 10
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "chat show count must be a positive integer"}
			}
			cmd.Limit = n
		}
	case "search":
		query, flags, perr := splitFlags(args[1:])
		if perr != nil {
			return nil, perr
		}
		if len(query) == 0 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "chat search requires a query"}
		}
		cmd.Args = query
		cmd.Limit = 20
		for flag, value := range flags {
			switch flag {
			case "--role":
				cmd.Role = value
			case "--limit":
				n, err := strconv.Atoi(value)
				if err != nil || n <= 0 {
					return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "--limit must be a positive integer"}
				}
				cmd.Limit = n
			default:
				return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "unknown flag " + flag}
			}
		}
	default:
		if len(args) > 1 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "chat " + sub + " takes no arguments"}
		}
	}
	return cmd, nil
}

func parseArtifacts(args []string) (*Command, *ParseError) {
	cmd := &Command{Name: CmdArtifacts}
	if len(args) == 0 {
		return cmd, nil
	}
	switch args[0] {
	case "--purge":
		if len(args) > 1 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "--purge takes no arguments"}
		}
		cmd.Purge = true
	case "show":
		if len(args) != 2 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "artifacts show requires an artifact id"}
		}
		cmd.Sub = "show"
		cmd.Args = args[1:]
	default:
		if strings.HasPrefix(args[0], "--") {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "unknown flag " + args[0]}
		}
		if len(args) > 1 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "artifacts takes at most one run id"}
		}
		cmd.Args = args
	}
	return cmd, nil
}

var authProviders = map[string]bool{"openai": true, "anthropic": true, "google": true}

func parseAuth(args []string) (*Command, *ParseError) {
	if len(args) == 0 {
		return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "auth requires status or matrix"}
	}
	switch args[0] {
	case "status":
		cmd := &Command{Name: CmdAuth, Sub: "status"}
		if len(args) > 2 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "auth status takes at most one provider"}
		}
		if len(args) == 2 {
			if !authProviders[args[1]] {
				return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "unknown provider " + args[1]}
			}
			cmd.Args = args[1:]
		}
		return cmd, nil
	case "matrix":
		if len(args) > 1 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "auth matrix takes no arguments"}
		}
		return &Command{Name: CmdAuth, Sub: "matrix"}, nil
	default:
		return nil, &ParseError{ReasonCode: protocol.CommandUnknown, Detail: "unknown auth subcommand " + args[0]}
	}
}

func parseDoctor(args []string) (*Command, *ParseError) {
	cmd := &Command{Name: CmdDoctor}
	for _, a := range args {
		if a == "--online" {
			cmd.Online = true
			continue
		}
		return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "unknown flag " + a}
	}
	return cmd, nil
}

func parseDemoIndex(args []string) (*Command, *ParseError) {
	if len(args) == 0 {
		return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "demo-index requires list, run, or report"}
	}
	switch args[0] {
	case "list", "report":
		if len(args) > 1 {
			return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "demo-index " + args[0] + " takes no arguments"}
		}
		return &Command{Name: CmdDemoIndex, Sub: args[0]}, nil
	case "run":
		cmd := &Command{Name: CmdDemoIndex, Sub: "run"}
		_, flags, perr := splitFlags(args[1:])
		if perr != nil {
			return nil, perr
		}
		for flag, value := range flags {
			switch flag {
			case "--only":
				cmd.Only = strings.Split(value, ",")
			case "--timeout-seconds":
				n, err := strconv.Atoi(value)
				if err != nil || n <= 0 {
					return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "--timeout-seconds must be a positive integer"}
				}
				cmd.TimeoutSeconds = n
			default:
				return nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: "unknown flag " + flag}
			}
		}
		return cmd, nil
	default:
		return nil, &ParseError{ReasonCode: protocol.CommandUnknown, Detail: "unknown demo-index subcommand " + args[0]}
	}
}

// splitFlags separates positional tokens from --flag value pairs.
func splitFlags(args []string) (positional []string, flags map[string]string, perr *ParseError) {
	flags = make(map[string]string)
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			positional = append(positional, a)
			continue
		}
		if i+1 >= len(args) {
			return nil, nil, &ParseError{ReasonCode: protocol.CommandInvalidArgs, Detail: a + " requires a value"}
		}
		flags[a] = args[i+1]
		i++
	}
	return positional, flags, nil
}
