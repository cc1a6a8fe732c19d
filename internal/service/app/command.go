package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	cmdSend  = ""
	cmdReact = "react"
	cmdNew   = "new"
	cmdRead  = "read"
	cmdQuit  = "quit"
)

var ErrUsage = errors.New("usage")

type command struct {
	name string
	text string

	index int
	emoji string

	subject      string
	participants []string
}

// parseCommand reads one line of input. Lines not starting with "/" are
// messages.
func parseCommand(line string) (command, error) {
	if !strings.HasPrefix(line, "/") {
		return command{name: cmdSend, text: line}, nil
	}

	args := splitArgs(line[1:])
	if len(args) == 0 {
		return command{}, fmt.Errorf("%w: /react <n> <emoji>, /new <subject> <user...>, /read, /quit", ErrUsage)
	}

	switch args[0] {
	case cmdReact:
		if len(args) != 3 {
			return command{}, fmt.Errorf("%w: /react <n> <emoji>", ErrUsage)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return command{}, fmt.Errorf("%w: message number must be positive", ErrUsage)
		}
		return command{name: cmdReact, index: n, emoji: args[2]}, nil

	case cmdNew:
		if len(args) < 3 {
			return command{}, fmt.Errorf("%w: /new <subject> <user...>", ErrUsage)
		}
		return command{name: cmdNew, subject: args[1], participants: args[2:]}, nil

	case cmdRead, cmdQuit:
		return command{name: args[0]}, nil
	}
	return command{}, fmt.Errorf("%w: unknown command /%s", ErrUsage, args[0])
}

// splitArgs splits on spaces; a double-quoted run counts as one argument.
func splitArgs(s string) []string {
	var (
		args   []string
		cur    strings.Builder
		quoted bool
		inArg  bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			inArg = true
		case r == ' ' && !quoted:
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args
}
