package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/decred/slog"
	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/packet"
	"github.com/leafo/blackkeys/internal/router"
)

// errQuit is returned by the console when the user asks to exit.
var errQuit = errors.New("quit requested")

const consoleHelp = `Commands:
  list             list input and output devices
  in <n>...        listen to exactly the listed inputs ("in none" for none)
  toggle <n>       select or deselect one input
  out <n>          send to the given output
  vel <1-100>      set the black key velocity scale
  reset            forget saved choices and restore defaults
  status           show the current routing
  help             show this help
  quit             exit
`

const noOutputHint = "No virtual bus output available. Enable the IAC Driver " +
	"(macOS), load snd-virmidi (Linux) or set virtualoutput."

type console struct {
	ctrl *router.Controller
	in   io.Reader
	out  io.Writer
	log  slog.Logger
}

func newConsole(ctrl *router.Controller, in io.Reader, out io.Writer, log slog.Logger) *console {
	return &console{ctrl: ctrl, in: in, out: out, log: log}
}

func (c *console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// printDevices lists the devices with the numbers accepted by the other
// commands.
func (c *console) printDevices() error {
	ins, err := c.ctrl.AvailableInputDevices()
	if err != nil {
		return err
	}
	outs, err := c.ctrl.AvailableOutputDevices()
	if err != nil {
		return err
	}
	selected := catalog.NewIDSet(c.ctrl.SelectedInputDevices()...)
	connected := catalog.NewIDSet(c.ctrl.ConnectedInputDevices()...)
	active, hasActive := c.ctrl.SelectedOutputDevice()

	c.printf("MIDI Input Devices:\n")
	if len(ins) == 0 {
		c.printf("  (none)\n")
	}
	for i, d := range ins {
		mark := " "
		if selected.Contains(d.ID) {
			mark = "x"
		}
		state := ""
		if connected.Contains(d.ID) {
			state = " (listening)"
		}
		c.printf("  %d: [%s] %s%s\n", i+1, mark, d.Name, state)
	}

	c.printf("MIDI Output Devices:\n")
	if len(outs) == 0 {
		c.printf("  (none) %s\n", noOutputHint)
	}
	for i, d := range outs {
		mark := " "
		if hasActive && active.ID == d.ID {
			mark = "*"
		}
		c.printf("  %d: [%s] %s\n", i+1, mark, d.Name)
	}
	return nil
}

func (c *console) printStatus() {
	if out, ok := c.ctrl.SelectedOutputDevice(); ok {
		c.printf("Output: %s\n", out.Name)
	} else {
		c.printf("Output: none. %s\n", noOutputHint)
	}
	c.printf("Inputs: %d selected, %d listening\n",
		len(c.ctrl.SelectedInputDevices()), len(c.ctrl.ConnectedInputDevices()))
	c.printf("Black key velocity: %d%%\n", c.ctrl.VelocityScalePercent())
}

// pick converts a 1-based device number into a device.
func pick(devices []catalog.Device, arg string) (catalog.Device, error) {
	choice, err := strconv.Atoi(arg)
	if err != nil || choice < 1 || choice > len(devices) {
		return catalog.Device{}, fmt.Errorf("invalid selection %q (must be 1-%d)",
			arg, len(devices))
	}
	return devices[choice-1], nil
}

func (c *console) printChange(change router.Change) {
	c.printf("Selected %d, deselected %d input(s)\n",
		len(change.Added), len(change.Removed))
}

// exec runs a single command line.
func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "list", "ls":
		return c.printDevices()

	case "in":
		if len(args) == 0 {
			return errors.New("usage: in <n>... | in none")
		}
		ins, err := c.ctrl.AvailableInputDevices()
		if err != nil {
			return err
		}
		// Only present devices are listed, so selected devices that are
		// unplugged stay selected.
		selected := catalog.NewIDSet(c.ctrl.SelectedInputDevices()...)
		ids := selected.Difference(catalog.IDs(ins)).Slice()
		if !(len(args) == 1 && args[0] == "none") {
			for _, arg := range args {
				d, err := pick(ins, arg)
				if err != nil {
					return err
				}
				ids = append(ids, d.ID)
			}
		}
		change, err := c.ctrl.SetSelectedInputDevices(ids)
		if err != nil {
			return err
		}
		c.printChange(change)

	case "toggle":
		if len(args) != 1 {
			return errors.New("usage: toggle <n>")
		}
		ins, err := c.ctrl.AvailableInputDevices()
		if err != nil {
			return err
		}
		d, err := pick(ins, args[0])
		if err != nil {
			return err
		}
		change, err := c.ctrl.ToggleInputDevice(d.ID)
		if err != nil {
			return err
		}
		c.printChange(change)

	case "out":
		if len(args) != 1 {
			return errors.New("usage: out <n>")
		}
		outs, err := c.ctrl.AvailableOutputDevices()
		if err != nil {
			return err
		}
		if len(outs) == 0 {
			return errors.New(noOutputHint)
		}
		d, err := pick(outs, args[0])
		if err != nil {
			return err
		}
		if err := c.ctrl.SetSelectedOutputDevice(d.ID); err != nil {
			return err
		}
		c.printf("Sending to %s\n", d.Name)

	case "vel", "velocity":
		if len(args) != 1 {
			return errors.New("usage: vel <1-100>")
		}
		percent, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
		if err != nil || percent < packet.MinPercent || percent > packet.MaxPercent {
			return fmt.Errorf("invalid velocity %q (must be %d-%d)",
				args[0], packet.MinPercent, packet.MaxPercent)
		}
		if err := c.ctrl.SetVelocityScalePercent(percent); err != nil {
			return err
		}
		c.printf("Black key velocity: %d%%\n", percent)

	case "reset":
		if err := c.ctrl.RestoreDefaults(); err != nil {
			return err
		}
		c.printf("Defaults restored\n")
		c.printStatus()

	case "status":
		c.printStatus()

	case "help", "?":
		c.printf("%s", consoleHelp)

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

// run reads commands until ctx is done, the input ends or quit is entered.
func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printStatus()
	c.printf("Type help for the list of commands.\n> ")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			// Without a console the router keeps running.
			if err != nil {
				c.log.Warnf("Console input closed: %v", err)
			} else {
				c.log.Debugf("Console input closed")
			}
			return nil

		case line := <-lines:
			err := c.exec(line)
			if errors.Is(err, errQuit) {
				return err
			}
			if err != nil {
				c.printf("Error: %v\n", err)
			}
			c.printf("> ")
		}
	}
}
