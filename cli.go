package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/CrowderSoup/daily-todo/client"
	"github.com/CrowderSoup/daily-todo/config"
	"github.com/CrowderSoup/daily-todo/session"
	"github.com/CrowderSoup/daily-todo/tasks"
	"github.com/spf13/cobra"
)

const (
	connectTimeout = 10 * time.Second
	settleTimeout  = 2 * time.Second
)

var (
	keepFlag  []string
	noneFlag  bool
	monthFlag string
)

func clientCommands() []*cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show today's tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session, v session.View) error {
				printToday(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a task to the top of today's list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session, v session.View) error {
				return s.AddTask(strings.Join(args, " "))
			})
		},
	}

	doneCmd := &cobra.Command{
		Use:   "done <task>",
		Short: "Toggle a task between today and done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session, v session.View) error {
				t, err := resolveRef(v, args[0])
				if err != nil {
					return err
				}
				return s.ToggleComplete(t.ID)
			})
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <task>",
		Short: "Delete a task, including one from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session, v session.View) error {
				t, err := resolveAnyRef(v, args[0])
				if err != nil {
					return err
				}
				return s.DeleteTask(t.ID)
			})
		},
	}

	moveCmd := &cobra.Command{
		Use:   "move <task> <active|completed> <position>",
		Short: "Move a task to a position in a list",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session, v session.View) error {
				drag, err := planDrag(v, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				if drag.Source == *drag.Destination {
					return nil
				}
				drainUpdates(s)
				s.StartDrag()
				s.Reorder(drag)
				// A drop that changes nothing publishes no view.
				mctx, cancel := context.WithTimeout(ctx, settleTimeout)
				defer cancel()
				_, err = awaitView(mctx, s, func(v session.View) bool { return movedTo(v, drag) })
				if errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			})
		},
	}

	finishCmd := &cobra.Command{
		Use:   "finish",
		Short: "Finish the day: archive done tasks and choose what to carry over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session, v session.View) error {
				if v.Prompt == nil {
					s.ManualRollover()
					pctx, cancel := context.WithTimeout(ctx, settleTimeout)
					defer cancel()
					if pv, err := awaitView(pctx, s, func(v session.View) bool { return v.Prompt != nil }); err == nil {
						v = pv
					}
				}
				if v.Prompt == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing left to carry over")
					return nil
				}

				selected, err := carrySelection(*v.Prompt, keepFlag, noneFlag)
				if err != nil {
					return err
				}
				drainUpdates(s)
				s.ResolveRolloverPrompt(selected)
				_, err = awaitView(ctx, s, func(v session.View) bool { return v.Prompt == nil })
				return err
			})
		},
	}
	finishCmd.Flags().StringSliceVar(&keepFlag, "keep", nil, "Tasks to carry over (default: all)")
	finishCmd.Flags().BoolVar(&noneFlag, "none", false, "Archive every unfinished task")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived tasks by day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session, v session.View) error {
				return printHistory(cmd.OutOrStdout(), v, monthFlag)
			})
		},
	}
	historyCmd.Flags().StringVar(&monthFlag, "month", "", "Only show one month (YYYY-MM)")

	return []*cobra.Command{listCmd, addCmd, doneCmd, rmCmd, moveCmd, finishCmd, historyCmd}
}

// withSession connects to the server, waits for a usable view, runs fn and
// waits for the writes it issued.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session.Session, v session.View) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)

	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	cctx, ccancel := context.WithTimeout(ctx, connectTimeout)
	v, err := awaitView(cctx, s, func(v session.View) bool {
		return v.Status == tasks.StatusLive || v.Status == tasks.StatusDegraded
	})
	ccancel()
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", cfg.Client.ServerURL, err)
	}
	if v.Status == tasks.StatusDegraded && v.LastError != nil {
		return fmt.Errorf("failed to sync with %s: %w", cfg.Client.ServerURL, v.LastError)
	}

	if err := fn(ctx, s, v); err != nil {
		return err
	}
	s.Wait()
	cancel()
	if err := <-runErr; err != nil {
		logger.Warn("Session ended with error", "error", err)
	}
	return reportNotices(cmd.OutOrStdout(), s.Notices())
}

func newSession(cfg *config.Config, logger *slog.Logger) (*session.Session, error) {
	if cfg.Client.Token == "" {
		return nil, errors.New("no token: run `daily token <email>` on the server and set DAILY_TOKEN")
	}
	owner, err := client.TokenEmail(cfg.Client.Token)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	c, err := client.New(client.Options{
		ServerURL:      cfg.Client.ServerURL,
		Token:          cfg.Client.Token,
		CachePath:      cfg.Client.CachePath,
		ReconnectDelay: cfg.Client.ReconnectDelay,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	s := session.New(c, owner, session.Options{
		Policy:      policy,
		SettleDelay: cfg.Client.SettleDelay,
		Logger:      logger,
	})
	return s, nil
}

// awaitView returns the first view satisfying ok, starting with the
// current one.
func awaitView(ctx context.Context, s *session.Session, ok func(session.View) bool) (session.View, error) {
	if v := s.View(); ok(v) {
		return v, nil
	}
	for {
		select {
		case v := <-s.Updates():
			if ok(v) {
				return v, nil
			}
		case <-ctx.Done():
			return session.View{}, ctx.Err()
		}
	}
}

// drainUpdates discards a buffered view so the next wait sees only views
// published after the following action.
func drainUpdates(s *session.Session) {
	select {
	case <-s.Updates():
	default:
	}
}

func reportNotices(w io.Writer, notices <-chan session.Notice) error {
	var failed error
	for {
		select {
		case n := <-notices:
			if n.Kind == session.NoticeError {
				failed = errors.Join(failed, fmt.Errorf("%s: %w", n.Message, n.Err))
				continue
			}
			fmt.Fprintln(w, n.Message)
		default:
			return failed
		}
	}
}

// resolveRef finds a current task by its 1-based position in the printed
// list (active first, then completed), its id, or a unique id prefix.
func resolveRef(v session.View, ref string) (tasks.Task, error) {
	return lookupRef(currentTasks(v), nil, ref)
}

// resolveAnyRef is resolveRef that also matches history entries by id.
func resolveAnyRef(v session.View, ref string) (tasks.Task, error) {
	return lookupRef(currentTasks(v), v.History, ref)
}

func currentTasks(v session.View) []tasks.Task {
	return append(append([]tasks.Task{}, v.Active...), v.Completed...)
}

// lookupRef resolves positions against numbered and ids against numbered
// and extra.
func lookupRef(numbered, extra []tasks.Task, ref string) (tasks.Task, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(numbered) {
			return tasks.Task{}, fmt.Errorf("no task at position %d", n)
		}
		return numbered[n-1], nil
	}

	var match []tasks.Task
	for _, list := range [][]tasks.Task{numbered, extra} {
		for _, t := range list {
			if t.ID == ref {
				return t, nil
			}
			if strings.HasPrefix(t.ID, ref) {
				match = append(match, t)
			}
		}
	}
	switch len(match) {
	case 0:
		return tasks.Task{}, fmt.Errorf("no task matches %q", ref)
	case 1:
		return match[0], nil
	default:
		return tasks.Task{}, fmt.Errorf("%q matches %d tasks", ref, len(match))
	}
}

// planDrag turns move arguments into the drag gesture the list would see.
func planDrag(v session.View, ref, list, position string) (tasks.DragResult, error) {
	t, err := resolveRef(v, ref)
	if err != nil {
		return tasks.DragResult{}, err
	}
	dst := tasks.List(list)
	if !dst.Valid() {
		return tasks.DragResult{}, fmt.Errorf("unknown list %q: want active or completed", list)
	}
	pos, err := strconv.Atoi(position)
	if err != nil || pos < 1 {
		return tasks.DragResult{}, fmt.Errorf("invalid position %q", position)
	}

	src := tasks.DragLocation{List: tasks.ListActive}
	from := v.Active
	if t.Completed {
		src.List = tasks.ListCompleted
		from = v.Completed
	}
	for i, other := range from {
		if other.ID == t.ID {
			src.Index = i
		}
	}

	return tasks.DragResult{
		TaskID:      t.ID,
		Source:      src,
		Destination: &tasks.DragLocation{List: dst, Index: pos - 1},
	}, nil
}

// movedTo reports whether the view shows the dragged task at its
// destination.
func movedTo(v session.View, drag tasks.DragResult) bool {
	list := v.Active
	if drag.Destination.List == tasks.ListCompleted {
		list = v.Completed
	}
	want := drag.Destination.Index
	if want >= len(list) {
		want = len(list) - 1
	}
	return want >= 0 && list[want].ID == drag.TaskID
}

// carrySelection picks the tasks to carry over. With no flags every
// candidate is kept.
func carrySelection(p tasks.Prompt, keep []string, none bool) ([]string, error) {
	if none {
		return nil, nil
	}
	if len(keep) == 0 {
		return p.DefaultSelection(), nil
	}

	pv := session.View{Active: p.Candidates}
	selected := make([]string, 0, len(keep))
	for _, ref := range keep {
		t, err := resolveRef(pv, ref)
		if err != nil {
			return nil, err
		}
		selected = append(selected, t.ID)
	}
	return selected, nil
}

func printToday(w io.Writer, v session.View) {
	n := 0
	fmt.Fprintln(w, "Today")
	if len(v.Active) == 0 {
		fmt.Fprintln(w, "  (nothing to do)")
	}
	for _, t := range v.Active {
		n++
		fmt.Fprintf(w, "  %2d. [ ] %s  %s\n", n, t.Text, shortID(t.ID))
	}
	if len(v.Completed) > 0 {
		fmt.Fprintln(w, "Done")
	}
	for _, t := range v.Completed {
		n++
		fmt.Fprintf(w, "  %2d. [x] %s  %s\n", n, t.Text, shortID(t.ID))
	}
	if v.Prompt != nil {
		fmt.Fprintf(w, "\n%d unfinished task(s) from yesterday. Run `daily finish` to carry them over:\n", len(v.Prompt.Candidates))
		for _, t := range v.Prompt.Candidates {
			fmt.Fprintf(w, "  - %s  %s\n", t.Text, shortID(t.ID))
		}
	}
}

func printHistory(w io.Writer, v session.View, month string) error {
	dates := tasks.HistoryDates(v.HistoryByDate)
	if month != "" {
		m, err := time.Parse("2006-01", month)
		if err != nil {
			return fmt.Errorf("invalid month %q: want YYYY-MM", month)
		}
		marks := tasks.MonthMarks(v.HistoryByDate, m.Year(), m.Month())
		days := make([]int, 0, len(marks))
		for d := range marks {
			days = append(days, d)
		}
		sort.Ints(days)
		fmt.Fprintf(w, "%s: %d day(s) with history\n", m.Format("January 2006"), len(days))

		prefix := m.Format("2006-01-")
		kept := dates[:0]
		for _, d := range dates {
			if strings.HasPrefix(d, prefix) {
				kept = append(kept, d)
			}
		}
		dates = kept
	}

	if len(dates) == 0 {
		fmt.Fprintln(w, "No history")
		return nil
	}
	for _, d := range dates {
		fmt.Fprintln(w, d)
		for _, t := range v.HistoryByDate[d] {
			mark := " "
			if t.Completed {
				mark = "x"
			}
			if t.ID == "" {
				fmt.Fprintf(w, "  [%s] %s\n", mark, t.Text)
				continue
			}
			fmt.Fprintf(w, "  [%s] %s  %s\n", mark, t.Text, shortID(t.ID))
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
