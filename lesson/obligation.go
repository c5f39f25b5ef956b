package lesson

import (
	"context"
	"fmt"

	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/logging"
)

// ObligationService flips obligation flags on behalf of teachers and admins.
//
// A teacher may only mark obligations of their own lessons and only while
// the obligation is not locked. Admins may mark regardless of the lock, which
// is how records get corrected after the midnight lock. Marking an obligation
// that is already done is a no-op that keeps the original timestamp.
//
// Listeners are notified when a flag changes on a COMPLETED lesson, so the
// salary of its month reflects the correction.
type ObligationService struct {
	Store     Store
	Directory identity.Directory
	Clock     Clock
	Retry     RetryPolicy
	Listeners []CompletionListener
	Log       logging.Logger
}

func NewObligationService(store Store, dir identity.Directory, clock Clock) *ObligationService {
	retry := DefaultRetryPolicy()
	retry.Reconnect = store.EnsureConnected
	return &ObligationService{
		Store:     store,
		Directory: dir,
		Clock:     clock,
		Retry:     retry,
		Log:       logging.New("obligations"),
	}
}

// Mark sets ob on the lesson and returns the resulting view.
func (s *ObligationService) Mark(ctx context.Context, caller identity.Caller, id ID, ob Obligation) (View, error) {
	if _, err := ParseObligation(string(ob)); err != nil {
		return View{}, &ValidationError{Field: "obligation", Message: err.Error()}
	}

	l, err := Retry(ctx, s.Retry, "find lesson", func(ctx context.Context) (*Lesson, error) {
		return s.Store.FindLesson(ctx, id)
	})
	if err != nil {
		return View{}, err
	}

	action := "mark " + string(ob)
	now := s.Clock.Now()

	switch {
	case caller.IsAdmin():
	case caller.IsTeacher():
		if err := authorizeAssignedTeacher(ctx, s.Directory, s.Retry, caller, l, action); err != nil {
			return View{}, err
		}
		if IsObligationLocked(l.Obligations.Done(ob), l.Status, l.ScheduledAt, now) {
			return View{}, &LockedError{LessonID: id, Obligation: ob}
		}
	default:
		return View{}, &ForbiddenError{LessonID: id, Action: action, Reason: fmt.Sprintf("role %s is not allowed", caller.Role)}
	}

	if !l.Obligations.Set(ob, now) {
		return NewView(*l, now), nil
	}

	if err := s.Retry.Do(ctx, "mark obligation", func(ctx context.Context) error {
		return s.Store.MarkObligation(ctx, id, ob, now)
	}); err != nil {
		return View{}, fmt.Errorf("failed to mark %s on lesson %s: %w", ob, id, err)
	}
	l.UpdatedAt = now

	if s.Log != nil {
		s.Log.Debugf("lesson %s: %s marked by %s %s", id, ob, caller.Role, caller.UserID)
	}
	if l.Status == StatusCompleted {
		for _, listener := range s.Listeners {
			if err := listener.LessonCompleted(ctx, *l); err != nil && s.Log != nil {
				s.Log.Errorf("recalculation after marking %s on lesson %s failed: %v", ob, id, err)
			}
		}
	}
	return NewView(*l, now), nil
}
