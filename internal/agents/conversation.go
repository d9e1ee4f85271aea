package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxClientErrors bounds the stored client error list.
const maxClientErrors = 50

// QueueUserSuggestion records a user suggestion. If nothing is running the
// suggestion starts a follow-up generation run in the background; otherwise
// the running generation picks it up in its next phase.
func (a *Agent) QueueUserSuggestion(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := a.mutate(ctx, func(s *CodeGenState) {
		s.PendingUserInputs = append(s.PendingUserInputs, text)
	}); err != nil {
		return err
	}
	a.emit(MsgUserSuggestionQueued, map[string]interface{}{"text": text})

	if !a.IsInitialized() || !a.claim(activityGenerating) {
		return nil
	}
	go a.resume()
	return nil
}

// ReportClientError stores an error reported by the preview.
func (a *Agent) ReportClientError(ctx context.Context, e ClientError) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return a.mutate(ctx, func(s *CodeGenState) {
		s.ClientReportedErrors = append(s.ClientReportedErrors, e)
		if n := len(s.ClientReportedErrors); n > maxClientErrors {
			s.ClientReportedErrors = s.ClientReportedErrors[n-maxClientErrors:]
		}
	})
}

// resume runs one follow-up phase for the pending suggestions. The caller
// must already hold the generating slot.
func (a *Agent) resume() {
	succeeded := false
	defer func() {
		a.release(activityGenerating)
		if succeeded {
			a.resumePending()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	run := &generationRun{cancel: cancel, done: make(chan struct{})}
	defer func() {
		cancel()
		close(run.done)
		_ = a.do(context.Background(), func(st *actorState) error {
			if st.run == run {
				st.run = nil
			}
			return nil
		})
	}()
	if err := a.do(ctx, func(st *actorState) error {
		st.run = run
		return nil
	}); err != nil {
		return
	}

	if err := a.followUp(ctx); err != nil {
		a.failGeneration(ctx, err)
		return
	}
	succeeded = true
}

// resumePending starts a follow-up run for suggestions queued while the
// previous run held the session.
func (a *Agent) resumePending() {
	snap, err := a.GetFullState(context.Background())
	if err != nil || len(snap.PendingUserInputs) == 0 {
		return
	}
	if !a.IsInitialized() || !a.claim(activityGenerating) {
		return
	}
	go a.resume()
}

func (a *Agent) followUp(ctx context.Context) error {
	snap, err := a.GetFullState(ctx)
	if err != nil {
		return err
	}
	if len(snap.PendingUserInputs) == 0 {
		return nil
	}

	a.fire(EventResume, "user suggestion")
	if err := a.mutate(ctx, func(s *CodeGenState) {
		s.ShouldBeGenerating = true
		s.CurrentDevState = DevStatePhaseGenerating
	}); err != nil {
		return err
	}

	sb := a.deps.Sandbox(a.id)
	instanceID := snap.SandboxInstanceID
	if instanceID == "" {
		if instanceID, err = a.bootstrap(ctx, sb, snap); err != nil {
			return err
		}
		if files := toFileObjects(snap.GeneratedFiles); len(files) > 0 {
			if res := sb.WriteFiles(ctx, instanceID, files, "restore generated files"); !res.OK() {
				return fmt.Errorf("failed to restore files: %s", res.ErrorText())
			}
		}
	}

	idx := len(snap.GeneratedPhases)
	plan := PhasePlan{
		Name:        fmt.Sprintf("Follow-up %d", idx+1),
		Description: "Apply the user's suggestions to the existing app.",
	}
	a.logger.Info("starting follow-up phase", zap.Int("suggestions", len(snap.PendingUserInputs)))
	if err := a.implementPhase(ctx, sb, instanceID, idx, plan); err != nil {
		return err
	}
	return a.finish(ctx, sb, instanceID)
}
