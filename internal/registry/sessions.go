package registry

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/kv"
)

// JoinResult reports what a JoinSession call changed.
type JoinResult struct {
	CourseID       string `json:"courseId,omitempty"`
	ActivityID     string `json:"activityId,omitempty"`
	IsNewJoin      bool   `json:"isNewJoin"`
	IsNewSession   bool   `json:"isNewSession"`
	JoinedCourse   bool   `json:"joinedCourse"`
	JoinedActivity bool   `json:"joinedActivity"`
	MemberCount    int    `json:"memberCount"`
}

// JoinSession records presence in a course and/or activity and refreshes the
// active session. A welcome goes out when the activity differs from the previous
// session's.
func (r *Registry) JoinSession(ctx context.Context, token string, scope core.Scope) (JoinResult, error) {
	if err := CheckScoped(token, scope); err != nil {
		return JoinResult{}, err
	}
	chat, err := r.Authenticate(ctx, token)
	if err != nil {
		return JoinResult{}, err
	}

	res := JoinResult{CourseID: scope.CourseID, ActivityID: scope.ActivityID}

	prev, hadPrev, err := r.ActiveSession(ctx, token)
	if err != nil {
		return JoinResult{}, err
	}
	res.IsNewSession = !hadPrev || prev.ActivityID != scope.ActivityID

	if scope.CourseID != "" {
		joined, err := r.ensureCourse(ctx, token, chat, scope.CourseID, false)
		if err != nil {
			return JoinResult{}, err
		}
		res.JoinedCourse = joined
	}
	if scope.ActivityID != "" {
		key := kv.ActivityMemberKey(scope.ActivityID, token)
		_, member, err := r.store.Get(ctx, key)
		if err != nil {
			return JoinResult{}, errors.Wrap(err, "registry: read activity membership")
		}
		if !member {
			if err := r.store.Put(ctx, key, chat, ActivityTTL); err != nil {
				return JoinResult{}, errors.Wrap(err, "registry: write activity membership")
			}
			if err := r.store.Put(ctx, kv.UserActivityKey(token, scope.ActivityID), "1", ActivityTTL); err != nil {
				return JoinResult{}, errors.Wrap(err, "registry: write activity index")
			}
			res.JoinedActivity = true
		}
	}
	res.IsNewJoin = res.JoinedCourse || res.JoinedActivity

	if err := r.putSession(ctx, token, scope); err != nil {
		return JoinResult{}, err
	}

	res.MemberCount, err = r.MemberCount(ctx, scope)
	if err != nil {
		return JoinResult{}, err
	}
	if res.IsNewSession {
		r.send(ctx, chat, joinedSessionMessage(scope, res.MemberCount), "joined_session")
	}

	r.log.Debug("join session",
		"course", scope.CourseID,
		"activity", scope.ActivityID,
		"new_session", res.IsNewSession,
		"new_join", res.IsNewJoin,
		"members", res.MemberCount,
	)
	return res, nil
}

// JoinClass is the course-only enrollment path. Membership is always rewritten;
// the welcome is sent only on first enrollment.
func (r *Registry) JoinClass(ctx context.Context, token, courseID string) (bool, error) {
	if token == "" || courseID == "" {
		return false, core.Validation("Missing userToken or courseId")
	}
	if !core.ValidID(courseID) {
		return false, core.Validation("Invalid courseId format")
	}
	if !core.ValidToken(token) {
		return false, core.Validation("Invalid userToken format")
	}
	chat, err := r.Authenticate(ctx, token)
	if err != nil {
		return false, err
	}

	isNew, err := r.ensureCourse(ctx, token, chat, courseID, true)
	if err != nil {
		return false, err
	}
	if isNew {
		n, err := r.count(ctx, kv.ClassMembersPrefix(courseID))
		if err != nil {
			return false, err
		}
		r.send(ctx, chat, joinedClassMessage(courseID, n), "joined_class")
	}
	return isNew, nil
}

// Heartbeat refreshes the active session TTL. Membership is untouched.
func (r *Registry) Heartbeat(ctx context.Context, token string, scope core.Scope) error {
	if err := CheckToken(token); err != nil {
		return err
	}
	if err := scope.Validate(false); err != nil {
		return err
	}
	if _, err := r.Authenticate(ctx, token); err != nil {
		return err
	}
	return r.putSession(ctx, token, scope)
}

// Leave drops the active session only; enrollments survive.
func (r *Registry) Leave(ctx context.Context, token string) error {
	if err := CheckToken(token); err != nil {
		return err
	}
	chat, err := r.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	_, had, err := r.store.Get(ctx, kv.SessionKey(token))
	if err != nil {
		return errors.Wrap(err, "registry: read session")
	}
	if err := r.store.Delete(ctx, kv.SessionKey(token)); err != nil {
		return errors.Wrap(err, "registry: delete session")
	}
	if had {
		r.send(ctx, chat, msgLeft, "left_session")
	}
	return nil
}

// ActiveSession returns the stored session for token, if any. A corrupt record
// is treated as absent.
func (r *Registry) ActiveSession(ctx context.Context, token string) (core.ActiveSession, bool, error) {
	raw, ok, err := r.store.Get(ctx, kv.SessionKey(token))
	if err != nil {
		return core.ActiveSession{}, false, errors.Wrap(err, "registry: read session")
	}
	if !ok {
		return core.ActiveSession{}, false, nil
	}
	var sess core.ActiveSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		r.log.Warn("discarding unreadable session", "err", err)
		return core.ActiveSession{}, false, nil
	}
	return sess, true, nil
}

// MemberCount is the display estimate: activity members, or course members when
// the activity has none.
func (r *Registry) MemberCount(ctx context.Context, scope core.Scope) (int, error) {
	n := 0
	if scope.ActivityID != "" {
		c, err := r.count(ctx, kv.ActivityMembersPrefix(scope.ActivityID))
		if err != nil {
			return 0, err
		}
		n = c
	}
	if n == 0 && scope.CourseID != "" {
		c, err := r.count(ctx, kv.ClassMembersPrefix(scope.CourseID))
		if err != nil {
			return 0, err
		}
		n = c
	}
	return n, nil
}

// Recipients returns the deduplicated chat handles present in the activity or
// the course.
func (r *Registry) Recipients(ctx context.Context, scope core.Scope) ([]string, error) {
	var chats []string
	if scope.ActivityID != "" {
		c, err := r.memberChats(ctx, kv.ActivityMembersPrefix(scope.ActivityID))
		if err != nil {
			return nil, err
		}
		chats = append(chats, c...)
	}
	if scope.CourseID != "" {
		c, err := r.memberChats(ctx, kv.ClassMembersPrefix(scope.CourseID))
		if err != nil {
			return nil, err
		}
		chats = append(chats, c...)
	}
	return lo.Uniq(lo.Compact(chats)), nil
}

func (r *Registry) memberChats(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.store.List(ctx, prefix, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: list %s", prefix)
	}
	chats := make([]string, 0, len(keys))
	for _, key := range keys {
		chat, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "registry: read %s", key)
		}
		if ok {
			chats = append(chats, chat)
		}
	}
	return chats, nil
}

func (r *Registry) count(ctx context.Context, prefix string) (int, error) {
	keys, err := r.store.List(ctx, prefix, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "registry: list %s", prefix)
	}
	return len(keys), nil
}

// ensureCourse writes the course membership and index. With always=false an
// existing membership is left as is. It reports whether the user was new.
func (r *Registry) ensureCourse(ctx context.Context, token, chat, courseID string, always bool) (bool, error) {
	key := kv.ClassMemberKey(courseID, token)
	_, member, err := r.store.Get(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, "registry: read course membership")
	}
	if member && !always {
		return false, nil
	}
	if err := r.store.Put(ctx, key, chat, 0); err != nil {
		return false, errors.Wrap(err, "registry: write course membership")
	}
	if err := r.store.Put(ctx, kv.UserClassKey(token, courseID), "1", 0); err != nil {
		return false, errors.Wrap(err, "registry: write course index")
	}
	return !member, nil
}

func (r *Registry) putSession(ctx context.Context, token string, scope core.Scope) error {
	raw, err := json.Marshal(core.ActiveSession{
		ActivityID: scope.ActivityID,
		CourseID:   scope.CourseID,
		JoinedAt:   r.nowMillis(),
	})
	if err != nil {
		return errors.Wrap(err, "registry: encode session")
	}
	if err := r.store.Put(ctx, kv.SessionKey(token), string(raw), SessionTTL); err != nil {
		return errors.Wrap(err, "registry: write session")
	}
	return nil
}
