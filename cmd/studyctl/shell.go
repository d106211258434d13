package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecard/studysync/config"
	"github.com/pulsecard/studysync/internal/application/command"
	"github.com/pulsecard/studysync/internal/application/query"
	"github.com/pulsecard/studysync/internal/application/session"
	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
)

const helpText = `commands:
  signin <name> [avatar#]   sign in anonymously and create the profile
  study <subject>           record one card (anatomy, physiology, biochemistry)
  goals a=N p=N b=N         overwrite the daily goals
  progress                  show today's progress
  signout                   forget the identity
  quit`

// signer is the identity side of the shell. *identity.Anonymous implements it.
type signer interface {
	Current() profile.Identity
	SignIn() (profile.Identity, error)
	SignOut() error
}

// shell turns prompt lines into commands and prints session output.
type shell struct {
	mu  sync.Mutex
	out io.Writer

	ident    signer
	create   *command.CreateProfileHandler
	study    *command.RecordStudyHandler
	goals    *command.SetGoalsHandler
	progress *query.GetDailyProgressHandler
}

func newShell(out io.Writer, ident signer, sessions *session.Manager, store profile.Store, publisher shared.EventPublisher, cfg *config.Config) *shell {
	cmdCfg := command.DefaultConfig()
	cmdCfg.Policy = cfg.App.Policy
	cmdCfg.DefaultGoal = cfg.Profile.DefaultDailyGoal

	return &shell{
		out:      out,
		ident:    ident,
		create:   command.NewCreateProfileHandler(store, publisher, cmdCfg),
		study:    command.NewRecordStudyHandler(sessions, store, publisher, cmdCfg),
		goals:    command.NewSetGoalsHandler(sessions, store, publisher, cmdCfg),
		progress: query.NewGetDailyProgressHandler(sessions, cfg.App.Policy, nil),
	}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// loop reads commands until EOF, quit or cancellation.
func (s *shell) loop(ctx context.Context, in io.Reader, interactive bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	if interactive {
		s.printf("%s\n> ", helpText)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.exec(ctx, line); quit {
				return nil
			}
			if interactive {
				s.printf("> ")
			}
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true
	case "help":
		s.printf("%s\n", helpText)
	case "signin":
		err = s.signIn(ctx, fields[1:])
	case "signout":
		err = s.ident.SignOut()
	case "study":
		err = s.recordStudy(ctx, fields[1:])
	case "goals":
		err = s.setGoals(ctx, fields[1:])
	case "progress":
		err = s.showProgress(ctx)
	default:
		err = fmt.Errorf("unknown command %q (try help)", fields[0])
	}

	if err != nil {
		s.printf("error: %v\n", userMessage(err))
	}
	return false
}

func (s *shell) signIn(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: signin <name> [avatar#]")
	}

	avatar := ""
	name := strings.Join(args, " ")
	if n, err := strconv.Atoi(args[len(args)-1]); err == nil && len(args) > 1 {
		catalogue := profile.Avatars()
		if n < 1 || n > len(catalogue) {
			return fmt.Errorf("avatar must be 1-%d", len(catalogue))
		}
		avatar = catalogue[n-1]
		name = strings.Join(args[:len(args)-1], " ")
	}

	// Validate before an identity is issued for a name that cannot be stored.
	if _, err := profile.NewRecord(name, profile.Avatars()[0], nil, time.Now()); err != nil {
		return err
	}

	id, err := s.ident.SignIn()
	if err != nil {
		return err
	}

	_, err = s.create.Handle(ctx, command.CreateProfileCommand{Identity: id, DisplayName: name, AvatarRef: avatar})
	if errors.Is(err, shared.ErrProfileExists) {
		s.printf("already signed in as %s\n", id)
		return nil
	}
	return err
}

func (s *shell) recordStudy(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: study <subject>")
	}
	res, err := s.study.Handle(ctx, command.RecordStudyCommand{Subject: args[0], CorrelationID: uuid.NewString()})
	if err != nil {
		return err
	}
	s.printf("%s: %d/%d today, streak %d\n",
		res.Subject.Title(), res.Record.ProgressFor(res.Subject), res.Record.GoalFor(res.Subject), res.Record.Streak)
	return nil
}

func (s *shell) setGoals(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: goals anatomy=N physiology=N biochemistry=N")
	}
	goals := make(map[string]int, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected subject=N, got %q", arg)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("goal for %s: %w", key, err)
		}
		goals[key] = n
	}
	_, err := s.goals.Handle(ctx, command.SetGoalsCommand{Goals: goals})
	return err
}

func (s *shell) showProgress(ctx context.Context) error {
	res, err := s.progress.Handle(ctx, query.GetDailyProgressQuery{})
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s, %s\n", res.DisplayName, res.Day)
	for _, row := range res.Subjects {
		mark := " "
		if row.GoalMet {
			mark = "*"
		}
		fmt.Fprintf(&b, " %s %-13s %3d/%-3d %3d%%\n", mark, row.Title, row.Count, row.Goal, row.Percent)
	}
	fmt.Fprintf(&b, "   total today %d/%d (%d%%), all time %d\n", res.CardsToday, res.GoalToday, res.OverallPercent, res.TotalCardsRead)
	fmt.Fprintf(&b, "   streak %d (%s)\n", res.Streak.CurrentStreak, res.Streak.StreakMessage)
	s.printf("%s", b.String())
	return nil
}

// printState is the session watcher.
func (s *shell) printState(st session.State) {
	switch st.Status {
	case session.StatusUnauthenticated:
		s.printf("[signed out]\n")
	case session.StatusLoading:
		s.printf("[loading %s]\n", st.Identity)
	case session.StatusProvisional:
		s.printf("[%s has no profile yet]\n", st.Identity)
	case session.StatusReady:
		s.printf("[%s: streak %d, %d cards today]\n",
			st.Record.DisplayName, st.Record.Streak, sumProgress(st.Record.DailyProgress))
	}
}

// printEvent shows the notices a user should see. Other events are only logged.
func (s *shell) printEvent(event shared.Event) error {
	payload := event.Payload()
	switch event.EventType() {
	case shared.EventWriteFailed:
		s.printf("! could not save %v: %v\n", payload["operation"], payload["reason"])
	case shared.EventDailyStreakBroken:
		s.printf("! streak of %v lost\n", payload["previous_streak"])
	case shared.EventStudyRecorded:
		count, goal := toInt(payload["subject_count"]), toInt(payload["subject_goal"])
		if goal > 0 && count == goal {
			s.printf("* %v goal reached\n", payload["subject"])
		}
	}
	return nil
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, shared.ErrUnauthenticated):
		return "sign in first"
	case errors.Is(err, shared.ErrProfileNotReady):
		return "profile is still loading"
	case shared.IsWriteFailure(err):
		return "not saved: " + errors.Unwrap(err).Error()
	case shared.IsValidation(err):
		var de *shared.DomainError
		if errors.As(err, &de) {
			return de.Message
		}
		return err.Error()
	default:
		return err.Error()
	}
}

func sumProgress(p profile.Progress) int {
	total := 0
	for _, v := range p {
		total += v
	}
	return total
}

// toInt reads numbers from local (int) and remote (float64) event payloads.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
