// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetlink/lib/catalog"
	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/mjpeg"
	"github.com/bureau-foundation/fleetlink/lib/registry"
	"github.com/bureau-foundation/fleetlink/lib/service"
	"github.com/bureau-foundation/fleetlink/lib/version"
)

// app carries what every command shares: where the controller is and
// where results go.
type app struct {
	out *output

	// socketPath is the default operator socket; --socket overrides it
	// per invocation.
	socketPath string
	now        func() time.Time
}

// connection is the flag group of commands that talk to the
// controller.
type connection struct {
	socket     string
	outputJSON bool
	timeout    time.Duration
}

func (c *connection) addFlags(flagSet *pflag.FlagSet, defaultSocket string) {
	flagSet.StringVar(&c.socket, "socket", defaultSocket, "controller operator socket")
	flagSet.BoolVar(&c.outputJSON, "json", false, "output as JSON")
	flagSet.DurationVar(&c.timeout, "call-timeout", 0, "bound on the whole call (default: no bound beyond the command's own)")
}

func (a *app) call(conn *connection, action string, fields map[string]any, result any) error {
	ctx := context.Background()
	if conn.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.timeout)
		defer cancel()
	}
	return service.NewClient(conn.socket).Call(ctx, action, fields, result)
}

// connected builds a leaf command that talks to the controller. bind
// adds command-specific flags; run does the work.
func (a *app) connected(command *Command, bind func(*pflag.FlagSet), run func(conn *connection, args []string) error) *Command {
	conn := &connection{}
	command.Flags = func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(command.Name, pflag.ContinueOnError)
		conn.addFlags(flagSet, a.socketPath)
		if bind != nil {
			bind(flagSet)
		}
		return flagSet
	}
	command.Run = func(args []string) error { return run(conn, args) }
	return command
}

func exactArgs(args []string, names ...string) error {
	if len(args) != len(names) {
		return fmt.Errorf("expected %d argument(s): %s", len(names), strings.Join(names, " "))
	}
	return nil
}

func (a *app) rootCommand() *Command {
	return &Command{
		Name:        "fleetlink",
		Description: "fleetlink drives a fleetlink controller: list agents, send commands, and\nmanage video streams and stored media.",
		Subcommands: []*Command{
			a.statusCommand(),
			a.clientsCommand(),
			a.clientCommand(),
			a.sendCommand(),
			a.commandsCommand(),
			a.streamCommand(),
			a.mediaCommand(),
			a.recordingCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					a.out.Printf("fleetlink %s\n", version.Info())
					return nil
				},
			},
		},
	}
}

type controllerStatus struct {
	Version         string `cbor:"version" json:"version"`
	UptimeSeconds   int    `cbor:"uptime_seconds" json:"uptime_seconds"`
	Clients         int    `cbor:"clients" json:"clients"`
	Streams         int    `cbor:"streams" json:"streams"`
	PendingCommands int    `cbor:"pending_commands" json:"pending_commands"`
	Listen          string `cbor:"listen" json:"listen"`
}

func (a *app) statusCommand() *Command {
	return a.connected(&Command{
		Name:    "status",
		Summary: "Show controller status",
	}, nil, func(conn *connection, args []string) error {
		var status controllerStatus
		if err := a.call(conn, "status", nil, &status); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(status)
		}
		a.out.Printf("version:   %s\nlisten:    %s\nuptime:    %s\nclients:   %d\nstreams:   %d\npending:   %d\n",
			status.Version, status.Listen, time.Duration(status.UptimeSeconds)*time.Second,
			status.Clients, status.Streams, status.PendingCommands)
		return nil
	})
}

func (a *app) clientsCommand() *Command {
	return a.connected(&Command{
		Name:    "clients",
		Summary: "List registered agents",
	}, nil, func(conn *connection, args []string) error {
		var clients []registry.Client
		if err := a.call(conn, "list-clients", nil, &clients); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(clients)
		}
		if len(clients) == 0 {
			a.out.Printf("no clients registered\n")
			return nil
		}
		now := a.now()
		t := newTable("CLIENT", "PLATFORM", "STATUS", "CAPABILITIES", "CONNECTED", "LAST SEEN")
		t.highlight[2] = statusColor
		for _, client := range clients {
			t.add(client.ID, string(client.Platform), string(client.Status),
				strings.Join(client.Capabilities, ","), since(now, client.ConnectedAt), since(now, client.LastSeen))
		}
		a.out.Table(t)
		return nil
	})
}

type clientDetail struct {
	Client  registry.Client `cbor:"client" json:"client"`
	Streams []media.Status  `cbor:"streams" json:"streams"`
}

func (a *app) clientCommand() *Command {
	return a.connected(&Command{
		Name:    "client",
		Summary: "Show one agent and its streams",
		Usage:   "fleetlink client <client-id> [flags]",
	}, nil, func(conn *connection, args []string) error {
		if err := exactArgs(args, "<client-id>"); err != nil {
			return err
		}
		var detail clientDetail
		if err := a.call(conn, "show-client", map[string]any{"client_id": args[0]}, &detail); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(detail)
		}
		now := a.now()
		client := detail.Client
		a.out.Printf("client:        %s\nplatform:      %s\nstatus:        %s\ncapabilities:  %s\nconnected:     %s\nlast seen:     %s\n",
			client.ID, client.Platform, client.Status, strings.Join(client.Capabilities, ", "),
			since(now, client.ConnectedAt), since(now, client.LastSeen))
		if len(detail.Streams) > 0 {
			a.out.Printf("\n")
			a.out.Table(streamTable(detail.Streams))
		}
		return nil
	})
}

type commandResult struct {
	CommandID    string `cbor:"command_id" json:"command_id"`
	Status       string `cbor:"status" json:"status"`
	Data         any    `cbor:"data,omitempty" json:"data,omitempty"`
	ErrorMessage string `cbor:"error_message,omitempty" json:"error_message,omitempty"`
}

// parseParams merges --params JSON with --param key=value pairs. A
// value that parses as JSON keeps its type; anything else is a string.
func parseParams(paramsJSON string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, fmt.Errorf("--params: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q: want key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

func (a *app) sendCommand() *Command {
	var (
		paramsJSON string
		pairs      []string
		timeout    time.Duration
	)
	return a.connected(&Command{
		Name:    "send",
		Summary: "Send a command to an agent and wait for the response",
		Usage:   "fleetlink send <client-id> <action> [flags]",
		Examples: []Example{
			{Description: "Speak on a Raspberry Pi", Command: "fleetlink send pi-1 speak_text --param text='hello there'"},
			{Description: "Capture a still image", Command: "fleetlink send phone-1 capture_image --timeout 10s"},
		},
	}, func(flagSet *pflag.FlagSet) {
		flagSet.StringVar(&paramsJSON, "params", "", "command parameters as a JSON object")
		flagSet.StringArrayVar(&pairs, "param", nil, "command parameter as key=value (repeatable)")
		flagSet.DurationVar(&timeout, "timeout", 0, "how long the agent has to respond (default: controller default)")
	}, func(conn *connection, args []string) error {
		if err := exactArgs(args, "<client-id>", "<action>"); err != nil {
			return err
		}
		params, err := parseParams(paramsJSON, pairs)
		if err != nil {
			return err
		}
		fields := map[string]any{"client_id": args[0], "command": args[1]}
		if len(params) > 0 {
			fields["params"] = params
		}
		if timeout > 0 {
			fields["timeout"] = timeout.String()
		}
		var result commandResult
		if err := a.call(conn, "send-command", fields, &result); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(result)
		}
		a.out.Printf("%s %s (%s)\n", args[1], result.Status, result.CommandID)
		if result.Data != nil {
			data, _ := json.MarshalIndent(result.Data, "", "  ")
			a.out.Printf("%s\n", data)
		}
		return nil
	})
}

func (a *app) commandsCommand() *Command {
	return a.connected(&Command{
		Name:    "commands",
		Summary: "List commands waiting for a response",
	}, nil, func(conn *connection, args []string) error {
		var pending []dispatch.PendingCommand
		if err := a.call(conn, "list-commands", nil, &pending); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(pending)
		}
		if len(pending) == 0 {
			a.out.Printf("no pending commands\n")
			return nil
		}
		now := a.now()
		t := newTable("COMMAND", "CLIENT", "ACTION", "ISSUED", "EXPIRES IN")
		for _, command := range pending {
			t.add(command.CommandID, command.ClientID, command.Action,
				since(now, command.IssuedAt), command.Deadline.Sub(now).Round(time.Second).String())
		}
		a.out.Table(t)
		return nil
	})
}

func streamTable(streams []media.Status) *table {
	t := newTable("STREAM", "CLIENT", "KIND", "STATE", "SIZE", "FPS", "FRAMES", "DUPES", "RECORDING", "SLAM")
	t.highlight[3] = statusColor
	t.highlight[8] = statusColor
	for _, stream := range streams {
		state := "stopped"
		if stream.Active {
			state = "active"
		}
		slam := "off"
		if stream.SLAM != nil {
			slam = fmt.Sprintf("on (%d)", stream.SLAM.Processed)
		}
		t.add(stream.StreamID, stream.ClientID, string(stream.Kind), state,
			fmt.Sprintf("%dx%d", stream.Width, stream.Height), strconv.Itoa(stream.FPS),
			strconv.Itoa(stream.FrameCount), strconv.Itoa(stream.DuplicateFrames),
			stream.RecordingState, slam)
	}
	return t
}

func (a *app) printStream(conn *connection, status media.Status) error {
	if conn.outputJSON {
		return a.out.JSON(status)
	}
	a.out.Table(streamTable([]media.Status{status}))
	if status.RecordingPath != "" {
		a.out.Printf("\nrecording: %s (%d frames)\n", status.RecordingPath, status.RecordedFrames)
	}
	if status.RecordingError != "" {
		a.out.Printf("recording error: %s\n", status.RecordingError)
	}
	if status.StopError != "" {
		a.out.Printf("stop error: %s\n", status.StopError)
	}
	return nil
}

func parseToggle(raw string) (bool, error) {
	switch raw {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("state must be on or off, got %q", raw)
}

func (a *app) streamCommand() *Command {
	var params media.Params
	start := a.connected(&Command{
		Name:    "start",
		Summary: "Start a video stream on an agent",
		Usage:   "fleetlink stream start <client-id> [flags]",
	}, func(flagSet *pflag.FlagSet) {
		flagSet.StringVar(&params.StreamID, "stream-id", "", "stream id (default: generated)")
		flagSet.IntVar(&params.FPS, "fps", 0, "frames per second (default 10)")
		flagSet.IntVar(&params.Width, "width", 0, "frame width (default 640)")
		flagSet.IntVar(&params.Height, "height", 0, "frame height (default 480)")
		flagSet.IntVar(&params.Quality, "quality", 0, "JPEG quality 1-100 (default 70)")
	}, func(conn *connection, args []string) error {
		if err := exactArgs(args, "<client-id>"); err != nil {
			return err
		}
		fields := map[string]any{"client_id": args[0]}
		if params.StreamID != "" {
			fields["stream_id"] = params.StreamID
		}
		for name, value := range map[string]int{"fps": params.FPS, "width": params.Width, "height": params.Height, "quality": params.Quality} {
			if value > 0 {
				fields[name] = value
			}
		}
		var status media.Status
		if err := a.call(conn, "start-stream", fields, &status); err != nil {
			return err
		}
		return a.printStream(conn, status)
	})

	streamAction := func(name, summary, action string) *Command {
		return a.connected(&Command{
			Name:    name,
			Summary: summary,
			Usage:   "fleetlink stream " + name + " <client-id> <stream-id> [flags]",
		}, nil, func(conn *connection, args []string) error {
			if err := exactArgs(args, "<client-id>", "<stream-id>"); err != nil {
				return err
			}
			var status media.Status
			if err := a.call(conn, action, map[string]any{"client_id": args[0], "stream_id": args[1]}, &status); err != nil {
				return err
			}
			return a.printStream(conn, status)
		})
	}

	toggle := func(name, summary, action string) *Command {
		return a.connected(&Command{
			Name:    name,
			Summary: summary,
			Usage:   "fleetlink stream " + name + " <client-id> <stream-id> on|off [flags]",
		}, nil, func(conn *connection, args []string) error {
			if err := exactArgs(args, "<client-id>", "<stream-id>", "on|off"); err != nil {
				return err
			}
			on, err := parseToggle(args[2])
			if err != nil {
				return err
			}
			var status media.Status
			fields := map[string]any{"client_id": args[0], "stream_id": args[1], "on": on}
			if err := a.call(conn, action, fields, &status); err != nil {
				return err
			}
			return a.printStream(conn, status)
		})
	}

	var clientFilter string
	list := a.connected(&Command{
		Name:    "list",
		Summary: "List streams",
	}, func(flagSet *pflag.FlagSet) {
		flagSet.StringVar(&clientFilter, "client", "", "only streams of this client")
	}, func(conn *connection, args []string) error {
		fields := map[string]any{}
		if clientFilter != "" {
			fields["client_id"] = clientFilter
		}
		var streams []media.Status
		if err := a.call(conn, "list-streams", fields, &streams); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(streams)
		}
		if len(streams) == 0 {
			a.out.Printf("no streams\n")
			return nil
		}
		a.out.Table(streamTable(streams))
		return nil
	})

	return &Command{
		Name:    "stream",
		Summary: "Manage video streams",
		Subcommands: []*Command{
			start,
			streamAction("stop", "Stop a stream, finalizing any recording", "stop-stream"),
			streamAction("status", "Show one stream", "stream-status"),
			toggle("record", "Turn recording on or off", "set-recording"),
			toggle("slam", "Attach or detach SLAM processing", "set-slam"),
			list,
		},
	}
}

func (a *app) mediaCommand() *Command {
	var (
		clientFilter string
		limit        int
	)
	bind := func(flagSet *pflag.FlagSet) {
		flagSet.StringVar(&clientFilter, "client", "", "only media from this client")
		flagSet.IntVar(&limit, "limit", 50, "maximum entries, newest first")
	}
	fields := func() map[string]any {
		fields := map[string]any{"limit": limit}
		if clientFilter != "" {
			fields["client_id"] = clientFilter
		}
		return fields
	}

	images := a.connected(&Command{
		Name:    "images",
		Summary: "List stored single-shot images",
	}, bind, func(conn *connection, args []string) error {
		var images []catalog.Image
		if err := a.call(conn, "list-images", fields(), &images); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(images)
		}
		if len(images) == 0 {
			a.out.Printf("no images\n")
			return nil
		}
		now := a.now()
		t := newTable("ID", "CLIENT", "SEQ", "FORMAT", "SIZE", "CAPTURED", "PATH")
		for _, image := range images {
			t.add(strconv.FormatInt(image.ID, 10), image.ClientID, strconv.FormatUint(uint64(image.Sequence), 10),
				image.Format, humanBytes(image.Bytes), since(now, image.CapturedAt), image.Path)
		}
		a.out.Table(t)
		return nil
	})

	recordings := a.connected(&Command{
		Name:    "recordings",
		Summary: "List stored video recordings",
	}, bind, func(conn *connection, args []string) error {
		var recordings []catalog.Recording
		if err := a.call(conn, "list-recordings", fields(), &recordings); err != nil {
			return err
		}
		if conn.outputJSON {
			return a.out.JSON(recordings)
		}
		if len(recordings) == 0 {
			a.out.Printf("no recordings\n")
			return nil
		}
		t := newTable("ID", "CLIENT", "STREAM", "FRAMES", "SIZE", "DURATION", "STATE", "PATH")
		t.highlight[6] = statusColor
		for _, recording := range recordings {
			state := "complete"
			if recording.Failed {
				state = "failed"
			}
			t.add(strconv.FormatInt(recording.ID, 10), recording.ClientID, recording.StreamID,
				strconv.Itoa(recording.Frames), humanBytes(recording.Bytes),
				recording.FinishedAt.Sub(recording.StartedAt).Round(time.Second).String(), state, recording.Path)
		}
		a.out.Table(t)
		return nil
	})

	return &Command{
		Name:        "media",
		Summary:     "Browse the media catalog",
		Subcommands: []*Command{images, recordings},
	}
}

type inspection struct {
	Path string     `json:"path"`
	Info mjpeg.Info `json:"info"`
	// Extracted lists frame files written by --extract.
	Extracted []string `json:"extracted,omitempty"`
}

func (a *app) recordingCommand() *Command {
	var (
		extractDir string
		outputJSON bool
	)
	inspect := &Command{
		Name:    "inspect",
		Summary: "Describe a recording file, optionally extracting its frames",
		Usage:   "fleetlink recording inspect <file.avi> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.StringVar(&extractDir, "extract", "", "write every frame as a JPEG file into this directory")
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if err := exactArgs(args, "<file.avi>"); err != nil {
				return err
			}
			result := inspection{Path: args[0]}
			info, err := mjpeg.Inspect(args[0])
			if err != nil {
				return err
			}
			result.Info = info
			if extractDir != "" {
				if result.Extracted, err = extractFrames(args[0], extractDir); err != nil {
					return err
				}
			}
			if outputJSON {
				return a.out.JSON(result)
			}
			a.out.Printf("path:       %s\nsize:       %dx%d\nfps:        %d\nframes:     %d\nfinalized:  %t\n",
				result.Path, info.Width, info.Height, info.FPS, info.Frames, info.Finalized)
			if len(result.Extracted) > 0 {
				a.out.Printf("extracted:  %d frames to %s\n", len(result.Extracted), extractDir)
			}
			return nil
		},
	}
	return &Command{
		Name:        "recording",
		Summary:     "Work with recording files on local disk",
		Subcommands: []*Command{inspect},
	}
}

func extractFrames(path, directory string) ([]string, error) {
	frames, err := mjpeg.ReadFrames(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, err
	}
	written := make([]string, 0, len(frames))
	for index, frame := range frames {
		name := filepath.Join(directory, fmt.Sprintf("frame_%05d.jpg", index))
		if err := os.WriteFile(name, frame, 0o644); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	return written, nil
}
