package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/config"
	"github.com/loqalabs/loqa-grounding/internal/patientstore"
	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/prompt"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
	"github.com/loqalabs/loqa-grounding/internal/runtime"
)

var version = "0.1.0-dev"

const usage = "expected 'validate', 'prompt', 'mood', 'note', 'cmd' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "prompt":
		err = runPrompt(os.Args[2:])
	case "mood":
		err = runMood(os.Args[2:])
	case "note":
		err = runNote(os.Args[2:])
	case "cmd":
		err = runCommand(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "grounding.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	catalog, err := profile.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	return validateCatalog(os.Stdout, cfg, catalog)
}

// validateCatalog builds every patient's call profile and prompt with the
// daemon's profile options and prints the voice each call would use.
func validateCatalog(w io.Writer, cfg config.Config, catalog *profile.Catalog) error {
	opts := runtime.ProfileOptions(cfg)
	window := profile.TrackingWindow{Reference: time.Now(), Days: cfg.Call.MoodDays}
	var failed int
	for _, record := range catalog.List() {
		p, err := profile.BuildCallProfile(record, window, opts)
		if err == nil {
			_, err = prompt.BuildSystemPrompt(p)
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s: %v\n", record.ID, err)
			continue
		}
		fmt.Fprintf(w, "%s: ready, voice %s\n", record.ID, p.VoicePreference)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d patients cannot start a call", failed, catalog.Len())
	}
	fmt.Fprintf(w, "config valid, %d patients ready\n", catalog.Len())
	return nil
}

func runPrompt(args []string) error {
	fs := flag.NewFlagSet("prompt", flag.ExitOnError)
	configPath := fs.String("config", "grounding.yaml", "Path to configuration file")
	catalogPath := fs.String("catalog", "", "Path to patient catalog, overrides the configured one")
	patientID := fs.String("patient", "", "Patient id")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *catalogPath != "" {
		cfg.Catalog.Path = *catalogPath
	}
	catalog, err := profile.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	record, ok := catalog.Get(*patientID)
	if !ok {
		return fmt.Errorf("patient %q not in catalog", *patientID)
	}
	p, err := profile.BuildCallProfile(record, profile.TrackingWindow{Reference: time.Now(), Days: cfg.Call.MoodDays}, runtime.ProfileOptions(cfg))
	if err != nil {
		return err
	}
	text, err := prompt.BuildSystemPrompt(p)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func runMood(args []string) error {
	fs := flag.NewFlagSet("mood", flag.ExitOnError)
	configPath := fs.String("config", "grounding.yaml", "Path to configuration file")
	var req protocol.MoodLog
	fs.StringVar(&req.PatientID, "patient", "", "Patient id")
	fs.StringVar(&req.Mood, "mood", "", "great|good|okay|difficult|very_hard")
	fs.StringVar(&req.Day, "day", "", "Day (YYYY-MM-DD), defaults to today")
	fs.StringVar(&req.TimeOfDay, "time", "", "Time of day")
	fs.StringVar(&req.Note, "note", "", "Optional note")
	_ = fs.Parse(args)

	return withBus(*configPath, func(ctx context.Context, b *bus.Client) error {
		id, err := patientstore.NewClient(b).LogMood(ctx, req)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func runNote(args []string) error {
	fs := flag.NewFlagSet("note", flag.ExitOnError)
	configPath := fs.String("config", "grounding.yaml", "Path to configuration file")
	var req protocol.NoteAdd
	fs.StringVar(&req.PatientID, "patient", "", "Patient id")
	fs.StringVar(&req.Tag, "tag", "", "emergency|behavior|medical")
	fs.StringVar(&req.Day, "day", "", "Day (YYYY-MM-DD), defaults to today")
	fs.StringVar(&req.Text, "text", "", "Note text")
	_ = fs.Parse(args)

	return withBus(*configPath, func(ctx context.Context, b *bus.Client) error {
		id, err := patientstore.NewClient(b).AddNote(ctx, req)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("cmd", flag.ExitOnError)
	configPath := fs.String("config", "grounding.yaml", "Path to configuration file")
	var cmd protocol.Command
	fs.StringVar(&cmd.PatientID, "patient", "", "Patient id for select_profile")
	fs.BoolVar(&cmd.Enabled, "on", false, "Flag for mute and speaker")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: grounding-ctl cmd [flags] <op>")
	}
	op := fs.Arg(0)

	return withBus(*configPath, func(ctx context.Context, b *bus.Client) error {
		var reply protocol.CommandReply
		if err := b.RequestJSON(ctx, protocol.GroundingCommandSubject(op), cmd, &reply); err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("%s: %s (phase %s)", op, reply.Error, reply.Phase)
		}
		fmt.Println(reply.Phase)
		return nil
	})
}

func withBus(configPath string, fn func(context.Context, *bus.Client) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	b, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}
