package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	vcerrors "github.com/kioskworks/vendcore/internal/errors"
)

type envelope struct {
	V      int    `json:"v"`
	Target string `json:"target"`
	Cmd    string `json:"cmd"`
	Name   string `json:"name"`
	Value  *int   `json:"value"`
	State  string `json:"state"`
}

// Parse converts one line into a Command. Lines starting with '{' are
// decoded as envelopes; anything else is treated as a legacy token.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, vcerrors.New(vcerrors.CodeInvalidRequest, "empty command")
	}
	if strings.HasPrefix(line, "{") {
		return parseEnvelope(line)
	}
	if isTerse(line) {
		return parseTerse(line)
	}
	return parseLegacy(line)
}

func parseEnvelope(line string) (Command, error) {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Command{}, vcerrors.Newf(vcerrors.CodeInvalidRequest, "malformed envelope: %v", err)
	}
	if env.V != 0 && env.V != Version {
		return Command{}, vcerrors.Newf(vcerrors.CodeInvalidRequest, "unsupported version %d", env.V)
	}
	if env.Target == "" {
		return Command{}, vcerrors.MissingParameter("target")
	}
	if env.Cmd == "" {
		return Command{}, vcerrors.MissingParameter("cmd")
	}
	target, ok := ParseTarget(env.Target)
	if !ok {
		return Command{}, vcerrors.Newf(vcerrors.CodeUnknownTarget, "unknown target %q", env.Target)
	}
	cmd, ok := commandNames[strings.ToLower(env.Cmd)]
	if !ok {
		return Command{}, vcerrors.Newf(vcerrors.CodeUnknownCommand, "unknown command %q", env.Cmd)
	}
	c := Command{
		Target: target,
		Cmd:    cmd,
		Name:   env.Name,
		State:  strings.ToLower(env.State),
	}
	if env.Value != nil {
		c = c.WithValue(*env.Value)
	}
	return c, nil
}

// isTerse reports whether line is one of the upper-case host forms
// ("STATUS?", "HOPPER 5 3"), as opposed to a lower-case legacy token.
func isTerse(line string) bool {
	word := strings.Fields(line)[0]
	hasLetter := false
	for _, r := range word {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

func parseTerse(line string) (Command, error) {
	f := strings.Fields(line)
	verb, args := f[0], f[1:]

	switch verb {
	case "STATUS?":
		return Command{Target: TargetSystem, Cmd: CmdStatus}, nil
	case "COINS?":
		return Command{Target: TargetCoinSlot, Cmd: CmdGet}, nil
	case "COINS=RST":
		return Command{Target: TargetCoinSlot, Cmd: CmdReset}, nil
	case "STOP":
		return Command{Target: TargetSystem, Cmd: CmdStop}, nil
	case "RESET":
		return Command{Target: TargetSystem, Cmd: CmdReset}, nil
	case "PING":
		return Command{Target: TargetSystem, Cmd: CmdPing}, nil

	case "COINSLOT":
		if len(args) != 1 {
			return Command{}, vcerrors.MissingParameter("START or STOP")
		}
		switch args[0] {
		case "START":
			return Command{Target: TargetCoinSlot, Cmd: CmdAttach}, nil
		case "STOP":
			return Command{Target: TargetCoinSlot, Cmd: CmdDetach}, nil
		}
		return Command{}, vcerrors.Newf(vcerrors.CodeInvalidParameter, "COINSLOT %s", args[0])

	case "HOPPER":
		if len(args) < 2 {
			return Command{}, vcerrors.MissingParameter("denomination and count")
		}
		n, err := parseInt(args[1])
		if err != nil {
			return Command{}, err
		}
		return Command{Target: TargetHopper, Cmd: CmdDispense, Name: args[0]}.WithValue(n), nil

	case "CHANGE":
		if len(args) < 1 {
			return Command{}, vcerrors.MissingParameter("amount")
		}
		n, err := parseInt(args[0])
		if err != nil {
			return Command{}, err
		}
		c := Command{Target: TargetChange, Cmd: CmdDispense}.WithValue(n)
		if len(args) > 1 && strings.EqualFold(args[1], StateForce) {
			c.State = StateForce
		}
		return c, nil

	case "PAPER":
		if len(args) < 2 {
			return Command{}, vcerrors.MissingParameter("name and count")
		}
		n, err := parseInt(args[1])
		if err != nil {
			return Command{}, err
		}
		return Command{Target: TargetPaper, Cmd: CmdDispense, Name: args[0]}.WithValue(n), nil

	case "PAPER?":
		if len(args) < 1 {
			return Command{}, vcerrors.MissingParameter("name")
		}
		return Command{Target: TargetPaper, Cmd: CmdCheck, Name: args[0]}, nil
	}
	return Command{}, vcerrors.Newf(vcerrors.CodeUnknownCommand, "unknown command %q", verb)
}

func parseLegacy(line string) (Command, error) {
	switch line {
	case "get", "status":
		return Command{Target: TargetCoinSlot, Cmd: CmdGet}, nil
	case "reset":
		return Command{Target: TargetCoinSlot, Cmd: CmdReset}, nil
	case "attach", "coinslot_start":
		return Command{Target: TargetCoinSlot, Cmd: CmdAttach}, nil
	case "detach", "coinslot_stop":
		return Command{Target: TargetCoinSlot, Cmd: CmdDetach}, nil
	case "ping":
		return Command{Target: TargetSystem, Cmd: CmdPing}, nil
	}

	if rest, ok := strings.CutPrefix(line, "relay"); ok {
		num, state, found := strings.Cut(rest, "_")
		if found && (state == StateOn || state == StateOff) {
			n, err := parseInt(num)
			if err != nil {
				return Command{}, err
			}
			return Command{Target: TargetRelay, Cmd: CmdSetRelay, State: state}.WithValue(n), nil
		}
	}

	if i := strings.LastIndex(line, "_dispense_"); i > 0 {
		n, err := parseInt(line[i+len("_dispense_"):])
		if err != nil {
			return Command{}, err
		}
		return Command{Cmd: CmdDispense, Name: line[:i]}.WithValue(n), nil
	}

	if i := strings.LastIndex(line, "_"); i > 0 {
		name, verb := line[:i], line[i+1:]
		switch verb {
		case CmdGet, CmdReset, CmdStop, CmdCheck:
			return Command{Cmd: verb, Name: name}, nil
		}
	}
	return Command{}, vcerrors.Newf(vcerrors.CodeUnknownCommand, "unknown command %q", line)
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, vcerrors.Newf(vcerrors.CodeInvalidParameter, "%q is not a number", s)
	}
	return n, nil
}
