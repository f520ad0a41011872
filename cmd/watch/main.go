// Package main follows one combat from the terminal, printing the turn order
// every time the local snapshot changes. Game masters may also drive the combat
// by typing commands on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/apiclient"
	"github.com/cory-johannsen/skirmish/internal/config"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/observability"
	"github.com/cory-johannsen/skirmish/internal/pubsub/ws"
	"github.com/cory-johannsen/skirmish/internal/reconcile"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "combat server base URL")
	combatID := flag.String("combat", "", "id of the combat to follow")
	userID := flag.String("user", "", "user id to identify as")
	role := flag.String("role", string(session.RolePlayer), "role to identify as: gm or player")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if *combatID == "" || *userID == "" {
		log.Fatal("-combat and -user are required")
	}
	r, err := session.ParseRole(*role)
	if err != nil {
		log.Fatalf("parsing role: %v", err)
	}
	actor := session.Actor{UserID: *userID, Role: r}

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	fetcher, err := apiclient.New(*serverURL, actor)
	if err != nil {
		logger.Fatal("creating api client", zap.Error(err))
	}
	dialer, err := ws.NewDialer(*serverURL, actor, ws.Config{}, logger)
	if err != nil {
		logger.Fatal("creating event stream dialer", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := reconcile.New(*combatID, fetcher, logger)
	rec.OnChange(func(c *combat.Combat) { render(os.Stdout, c) })

	if actor.CanMutate() {
		fetcher.Track(rec)
		go console(ctx, os.Stdin, os.Stderr, fetcher, *combatID)
	}

	if err := rec.Run(ctx, dialer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("following combat", zap.Error(err))
	}
}

// gmClient is the subset of apiclient.Client the console drives.
type gmClient interface {
	NextTurn(ctx context.Context, combatID string) (*combat.Combat, error)
	PreviousTurn(ctx context.Context, combatID string) (*combat.Combat, error)
	SortByInitiative(ctx context.Context, combatID string) (*combat.Combat, error)
	ResetCombat(ctx context.Context, combatID string) (*combat.Combat, error)
	EndCombat(ctx context.Context, combatID string) (*combat.Combat, error)
	SetRound(ctx context.Context, combatID string, round int) (*combat.Combat, error)
	ApplyHPDelta(ctx context.Context, participantID string, delta int) (*combat.Participant, error)
	RemoveParticipant(ctx context.Context, participantID string) (int64, error)
}

const consoleHelp = "commands: next | prev | sort | reset | end | round <n> | hp <participant-id> <delta> | remove <participant-id>"

// console executes one command per input line until in is exhausted or ctx is done.
// Results reach the screen through the tracked reconciler.
func console(ctx context.Context, in io.Reader, out io.Writer, client gmClient, combatID string) {
	fmt.Fprintln(out, consoleHelp)
	scanner := bufio.NewScanner(in)
	for ctx.Err() == nil && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := execute(ctx, client, combatID, line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func execute(ctx context.Context, client gmClient, combatID, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch {
	case cmd == "next" && len(args) == 0:
		_, err = client.NextTurn(ctx, combatID)
	case cmd == "prev" && len(args) == 0:
		_, err = client.PreviousTurn(ctx, combatID)
	case cmd == "sort" && len(args) == 0:
		_, err = client.SortByInitiative(ctx, combatID)
	case cmd == "reset" && len(args) == 0:
		_, err = client.ResetCombat(ctx, combatID)
	case cmd == "end" && len(args) == 0:
		_, err = client.EndCombat(ctx, combatID)
	case cmd == "round" && len(args) == 1:
		round, convErr := strconv.Atoi(args[0])
		if convErr != nil {
			return fmt.Errorf("round %q: %w", args[0], convErr)
		}
		_, err = client.SetRound(ctx, combatID, round)
	case cmd == "hp" && len(args) == 2:
		delta, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return fmt.Errorf("hp delta %q: %w", args[1], convErr)
		}
		_, err = client.ApplyHPDelta(ctx, args[0], delta)
	case cmd == "remove" && len(args) == 1:
		_, err = client.RemoveParticipant(ctx, args[0])
	default:
		return fmt.Errorf("unrecognised command %q; %s", line, consoleHelp)
	}
	return err
}

func render(w io.Writer, c *combat.Combat) {
	fmt.Fprintf(w, "\n%s  round %d  [%s]  v%d\n", c.Name, c.CurrentRound, c.State, c.Version)
	var current string
	if p := combat.Current(c); p != nil {
		current = p.ID
	}
	for _, p := range c.Participants {
		marker := "  "
		if p.ID == current {
			marker = "> "
		}
		line := fmt.Sprintf("%s%-20s init %3d  hp %3d/%-3d", marker, p.Name, p.Initiative, p.CurrentHP, p.MaxHP)
		if p.ArmorClass != nil {
			line += fmt.Sprintf("  ac %2d", *p.ArmorClass)
		}
		if p.Rotation == combat.Removed {
			line += "  (out)"
		}
		if p.Conditions.Len() > 0 {
			line += fmt.Sprintf("  %v", p.Conditions.Sorted())
		}
		fmt.Fprintln(w, line)
	}
}
