package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaidokert/waveshare-stservo-go/internal/trace"
	"github.com/kaidokert/waveshare-stservo-go/stservo"
	"github.com/kaidokert/waveshare-stservo-go/transports"
)

func (a *app) portsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transports.ListPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found.")
				return nil
			}
			for _, p := range ports {
				if p.IsUSB {
					fmt.Fprintf(out, "%s\tUSB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
				} else {
					fmt.Fprintln(out, p.Name)
				}
			}
			return nil
		},
	}
}

func (a *app) pingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <id>",
		Short: "Ping a servo and print its model number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}

			model, reply, err := ctl.Ping(cmd.Context(), id)
			if err != nil {
				return err
			}
			if reply.Result != stservo.CommSuccess {
				return reply.Err("ping")
			}
			printModel(cmd.OutOrStdout(), id, int(model), reply.Status)
			return nil
		},
	}
}

func (a *app) scanCommand() *cobra.Command {
	var all bool
	var first bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Find servos on the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := a.controller()
			if err != nil {
				return err
			}

			ids := stservo.CommonIDs()
			if all {
				ids = stservo.AllIDs()
			}
			opts := stservo.ScanOptions{Logger: a.logger}
			if first {
				opts.StopAfter = 1
			}

			found, err := stservo.Scan(cmd.Context(), ctl, ids, opts)
			out := cmd.OutOrStdout()
			for _, f := range found {
				printModel(out, f.ID, f.ModelNumber, f.Status)
			}
			if len(found) == 0 {
				fmt.Fprintln(out, "No servos found.")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "scan every id 0-253 instead of the common ids")
	cmd.Flags().BoolVar(&first, "first", false, "stop at the first servo found")
	return cmd
}

func (a *app) readCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <id> <register|address> [width]",
		Short: "Read a register",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reg, err := a.register(args[1], args[2:])
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}

			v, reply, err := ctl.Read(cmd.Context(), id, reg.Address, reg.Size)
			if err != nil {
				return err
			}
			if err := reply.Err("read"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(v, reg))
			return nil
		},
	}
}

func (a *app) writeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <id> <register|address> <value> [width]",
		Short: "Write a register",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBroadcastID(args[0])
			if err != nil {
				return err
			}
			reg, err := a.register(args[1], args[3:])
			if err != nil {
				return err
			}
			value, err := parseValue(args[2], reg)
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}

			reply, err := ctl.Write(cmd.Context(), id, reg.Address, reg.Size, value)
			if err != nil {
				return err
			}
			return reply.Err("write")
		},
	}
	// flags end at the first argument, so a negative value stays a value
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (a *app) torqueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "torque <id> <on|off>",
		Short: "Enable or disable torque",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}
			return stservo.NewServo(ctl, id, nil).SetTorqueEnabled(cmd.Context(), on)
		},
	}
}

func (a *app) moveCommand() *cobra.Command {
	var (
		speed, acc int
		noWait     bool
		keepTorque bool
	)

	cmd := &cobra.Command{
		Use:   "move <id> <position>",
		Short: "Move a servo to a position and wait for it to stop",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid position %q", args[1])
			}
			if !cmd.Flags().Changed("speed") {
				speed = a.cfg.Motion.Speed
			}
			if !cmd.Flags().Changed("acc") {
				acc = a.cfg.Motion.Acceleration
			}

			ctl, err := a.controller()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			servo := stservo.NewServo(ctl, id, nil)

			if err := servo.Enable(ctx); err != nil {
				return err
			}
			if !keepTorque {
				defer func() {
					if err := servo.Disable(ctx); err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), "Failed to disable torque:", err)
					}
				}()
			}

			if err := servo.WritePosEx(ctx, pos, speed, acc); err != nil {
				return err
			}
			if noWait {
				return nil
			}

			final, err := stservo.WaitUntilStable(ctx, ctl, id, a.stableConfig())
			fmt.Fprintf(cmd.OutOrStdout(), "Servo %d stopped at %d\n", id, final)
			return err
		},
	}
	cmd.Flags().IntVar(&speed, "speed", 0, "speed in steps/s (default motion.speed)")
	cmd.Flags().IntVar(&acc, "acc", 0, "acceleration 0-254 (default motion.acceleration)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return without waiting for the move to finish")
	cmd.Flags().BoolVar(&keepTorque, "keep-torque", false, "leave torque enabled afterwards")
	return cmd
}

func (a *app) syncReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-read <register|address> <id>... ",
		Short: "Read one register from several servos at once",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.register(args[0], nil)
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}

			group := stservo.NewGroupSyncRead(ctl, reg.Address, reg.Size)
			for _, arg := range args[1:] {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				if err := group.AddParam(id); err != nil {
					return err
				}
			}

			res := group.Execute(cmd.Context())
			out := cmd.OutOrStdout()
			for _, id := range group.IDs() {
				if ok, status := group.IsAvailable(id, reg.Address, reg.Size); ok {
					fmt.Fprintf(out, "%d\t%s", id, formatValue(group.GetData(id, reg.Address, reg.Size), reg))
					if status.HasError() {
						fmt.Fprintf(out, "\t(%s)", status)
					}
					fmt.Fprintln(out)
				} else {
					r, _ := group.Result(id)
					fmt.Fprintf(out, "%d\t-\t(%s)\n", id, r.Result)
				}
			}
			if res != stservo.CommSuccess {
				return &stservo.CommError{Op: "sync read", Result: res}
			}
			return nil
		},
	}
}

func (a *app) syncWriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-write <register|address> <id>=<value>...",
		Short: "Write one register on several servos at once",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.register(args[0], nil)
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}

			group := stservo.NewGroupSyncWrite(ctl, reg.Address, reg.Size)
			for _, arg := range args[1:] {
				idStr, valStr, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected id=value, got %q", arg)
				}
				id, err := parseID(idStr)
				if err != nil {
					return err
				}
				value, err := parseValue(valStr, reg)
				if err != nil {
					return err
				}
				data, err := ctl.Protocol().EncodeValue(value, reg.Size)
				if err != nil {
					return err
				}
				if err := group.AddParam(id, data); err != nil {
					return err
				}
			}

			if res := group.Execute(cmd.Context()); res != stservo.CommSuccess {
				return &stservo.CommError{Op: "sync write", Result: res}
			}
			return nil
		},
	}
}

func (a *app) setIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-id <id> <new-id>",
		Short: "Change a servo's id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			newID, err := parseID(args[1])
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}

			servo := stservo.NewServo(ctl, id, nil)
			if err := servo.SetID(cmd.Context(), newID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Servo %d is now %d\n", id, newID)
			return nil
		},
	}
}

func (a *app) traceCommand() *cobra.Command {
	var frames bool

	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Print a bus capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := trace.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			events, err := r.All()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if frames {
				for _, pkt := range trace.Frames(events) {
					fmt.Fprintf(out, "id=%d status=0x%02X data=% X\n", pkt.ID, byte(pkt.Error), pkt.Parameters)
				}
				return nil
			}
			for _, ev := range events {
				fmt.Fprintf(out, "%6d %s %s % X\n", ev.Seq, ev.Time.Format("15:04:05.000000"), ev.Dir, ev.Data)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&frames, "frames", false, "decode received status frames")
	return cmd
}

// register resolves a register name or numeric address. A numeric address
// takes its width from rest, defaulting to 1.
func (a *app) register(name string, rest []string) (stservo.Register, error) {
	if reg, ok := a.regs.Lookup(name); ok {
		if len(rest) > 0 {
			return stservo.Register{}, fmt.Errorf("register %s has a fixed width", name)
		}
		return reg, nil
	}

	addr, err := strconv.ParseUint(name, 0, 8)
	if err != nil {
		return stservo.Register{}, fmt.Errorf("unknown register %q (known: %s)", name, strings.Join(a.regs.Names(), ", "))
	}
	reg := stservo.Register{Address: byte(addr), Size: 1}
	if len(rest) > 0 {
		w, err := strconv.Atoi(rest[0])
		if err != nil || (w != 1 && w != 2 && w != 4) {
			return stservo.Register{}, fmt.Errorf("%w: %s", stservo.ErrInvalidWidth, rest[0])
		}
		reg.Size = w
	}
	return reg, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 || id > stservo.MaxServoID {
		return 0, fmt.Errorf("%w: %s", stservo.ErrInvalidID, s)
	}
	return id, nil
}

func parseBroadcastID(s string) (int, error) {
	if s == "all" || s == strconv.Itoa(stservo.BroadcastID) {
		return stservo.BroadcastID, nil
	}
	return parseID(s)
}

func parseValue(s string, reg stservo.Register) (uint32, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < 0 {
		if reg.SignBit == 0 || -v >= 1<<reg.SignBit {
			return 0, fmt.Errorf("%w: %d", stservo.ErrInvalidValue, v)
		}
		return uint32(-v) | 1<<reg.SignBit, nil
	}
	if v >= 1<<(8*reg.Size) {
		return 0, fmt.Errorf("%w: %d does not fit in %d bytes", stservo.ErrInvalidValue, v, reg.Size)
	}
	return uint32(v), nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func formatValue(v uint32, reg stservo.Register) string {
	if reg.SignBit > 0 && v&(1<<reg.SignBit) != 0 {
		return fmt.Sprintf("-%d", v&(1<<reg.SignBit-1))
	}
	return strconv.FormatUint(uint64(v), 10)
}

func printModel(w io.Writer, id, model int, status stservo.StatusError) {
	name := "unknown"
	if m, ok := stservo.ModelByNumber(model); ok {
		name = m.Name
	}
	fmt.Fprintf(w, "Servo %d: model %d (%s)", id, model, name)
	if status.HasError() {
		fmt.Fprintf(w, " status: %s", status)
	}
	fmt.Fprintln(w)
}
