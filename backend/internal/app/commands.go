package app

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cloneot/yjs-playground/backend/internal/protocol"
)

var (
	ErrQuit           = errors.New("quit")
	ErrUnknownCommand = errors.New("unknown command")
)

const Help = `commands:
  title <text>            set the title
  subtitle <text>         set the subtitle
  poster url|alt <value>  set a poster field
  poster rm <field>       remove a poster field
  body <text>             replace the body
  bold <from> <len>       make part of the body bold
  undo | redo             body history
  show                    print the document
  save                    ask the relay to store the room
  quit`

// Exec runs one command line. It returns ErrQuit for quit. By the time it
// returns, every observer of the command's edits has run.
func (c *Controller) Exec(line string, w io.Writer) error {
	defer c.session.Doc.Settle()
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
		return nil
	case "title":
		c.SetTitle(rest)
	case "subtitle":
		c.SetSubtitle(rest)
	case "poster":
		field, value, _ := strings.Cut(rest, " ")
		switch field {
		case protocol.PosterURL, protocol.PosterAlt:
			c.SetPoster(field, value)
		case "rm":
			c.RemovePoster(strings.TrimSpace(value))
		default:
			return fmt.Errorf("poster: field must be url, alt or rm, got %q", field)
		}
	case "body":
		return c.SetBody(rest)
	case "bold":
		from, n, err := parseRange(rest)
		if err != nil {
			return fmt.Errorf("bold: %w", err)
		}
		return c.Bold(from, n)
	case "undo", "redo":
		chord := "Mod-z"
		if cmd == "redo" {
			chord = "Mod-y"
		}
		ok, err := c.Key(chord)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(w, "nothing to %s\n", cmd)
		}
	case "show":
		c.session.Doc.Settle()
		c.Render(w)
	case "save":
		c.Save()
	case "help":
		fmt.Fprintln(w, Help)
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd)
	}
	return nil
}

func parseRange(s string) (from, n int, err error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, errors.New("want <from> <len>")
	}
	if from, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, err
	}
	if n, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, err
	}
	if from < 0 || n < 0 {
		return 0, 0, errors.New("negative range")
	}
	return from, n, nil
}
