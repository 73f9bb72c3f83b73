package episode

import (
	"fmt"
	"time"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/router"
	"github.com/AaronLay10/ScreeningEngine/internal/validation"
)

// transition accumulates the effect of one submission on a working copy of
// the episode. Nothing is visible until the store commits it.
type transition struct {
	reg     *registry.Registry
	ep      *Episode
	prev    int64
	now     time.Time
	records []StageRecord
	events  []audit.Event
}

func newTransition(reg *registry.Registry, ep *Episode, now time.Time) *transition {
	work := ep.Clone()
	prev := work.Version
	work.Version++
	work.UpdatedAt = now
	return &transition{reg: reg, ep: work, prev: prev, now: now}
}

func (t *transition) commit() Commit {
	return Commit{
		Episode:     t.ep,
		PrevVersion: t.prev,
		Records:     t.records,
		Events:      t.events,
	}
}

// appendRecord adds a record and its audit event and returns the index of
// the pair within the transition.
func (t *transition) appendRecord(def *registry.StageDefinition, res validation.Result, actor string, automatic bool) int {
	rec := StageRecord{
		Seq:         len(t.ep.Records) + 1,
		Stage:       def.ID,
		Values:      res.Values,
		Warnings:    res.Warnings,
		Actor:       actor,
		SubmittedAt: t.now,
		Automatic:   automatic,
		Outcome:     def.Outcome,
	}
	ev := audit.Event{
		EpisodeID: t.ep.ID,
		RecordSeq: rec.Seq,
		Kind:      audit.KindSubmitted,
		From:      def.ID,
		Actor:     actor,
		Timestamp: t.now,
	}
	if automatic {
		ev.Kind = audit.KindAutomatic
	} else if prior, ok := t.ep.Latest(def.ID); ok {
		rec.Supersedes = prior.Seq
		ev.Kind = audit.KindRetake
		ev.Supersedes = prior.EventID
	}
	if def.Outcome != "" {
		t.ep.Outcome = def.Outcome
	}
	ev.Outcome = string(t.ep.Outcome)

	t.ep.Records = append(t.ep.Records, rec)
	t.records = append(t.records, rec)
	t.events = append(t.events, ev)
	return len(t.events) - 1
}

// advance moves the frontier past the stage whose record sits at idx.
func (t *transition) advance(def *registry.StageDefinition, idx int) error {
	rec := t.records[idx]
	if j := t.ep.Join; j != nil && contains(j.Members, def.ID) {
		satisfied := router.Satisfied(def, rec.Values)
		switch {
		case satisfied && !contains(j.Satisfied, def.ID):
			j.Satisfied = append(j.Satisfied, def.ID)
		case !satisfied && contains(j.Satisfied, def.ID):
			j.Satisfied = remove(j.Satisfied, def.ID)
		}
		if !j.Complete() {
			t.ep.Frontier = j.Outstanding()
			t.ep.Open = t.joinOpen(j)
			return nil
		}
		t.ep.Join = nil
		t.events[idx].To = []string{j.Target}
		return t.enter(j.Target)
	}

	b, err := router.Select(def, router.ValuesLookup(rec.Values))
	if err != nil {
		return err
	}
	return t.follow(def, idx, b)
}

// joinOpen lists members that still accept submissions: the outstanding
// ones plus satisfied members that may be retaken until the join completes.
func (t *transition) joinOpen(j *JoinProgress) []string {
	var open []string
	for _, m := range j.Members {
		if !contains(j.Satisfied, m) {
			open = append(open, m)
			continue
		}
		if def, err := t.reg.Definition(m); err == nil && def.Retakeable {
			open = append(open, m)
		}
	}
	return open
}

// follow applies the selected branch of def; a nil branch closes the
// episode.
func (t *transition) follow(def *registry.StageDefinition, idx int, b *registry.Branch) error {
	if b == nil {
		t.close(def, idx)
		return nil
	}
	t.events[idx].To = append([]string(nil), b.To...)
	if b.IsFork() {
		target, ok := t.reg.JoinTarget(b.To[0])
		if !ok {
			return fmt.Errorf("fork from %s has no join", def.ID)
		}
		t.ep.Join = &JoinProgress{Target: target, Members: append([]string(nil), b.To...)}
		t.ep.Frontier = append([]string(nil), b.To...)
		t.ep.Open = append([]string(nil), b.To...)
		return nil
	}
	return t.enter(b.To[0])
}

// enter makes stageID current. Automatic stages are committed on the spot
// and routed onward within the same transition.
func (t *transition) enter(stageID string) error {
	def, err := t.reg.Definition(stageID)
	if err != nil {
		return err
	}
	if !def.Automatic {
		t.ep.Frontier = []string{stageID}
		t.ep.Open = []string{stageID}
		return nil
	}

	values := t.carried(def)
	var b *registry.Branch
	switch {
	case def.IsJoin():
		b, err = router.RouteJoin(def, t.memberValues(def))
	case !def.IsTerminal():
		b, err = router.Select(def, router.ValuesLookup(values))
	}
	if err != nil {
		return err
	}
	if b != nil {
		for k, v := range b.Set {
			values[k] = v
		}
	}
	res := validation.Validate(def, values)
	if !res.OK() {
		return fmt.Errorf("%w: stage %s: %s", ErrAutomaticRecord, stageID, res.Errors[0].Error())
	}
	idx := t.appendRecord(def, res, SystemActor, true)
	return t.follow(def, idx, b)
}

func (t *transition) carried(def *registry.StageDefinition) map[string]any {
	values := make(map[string]any, len(def.Carry))
	for _, name := range def.Carry {
		for _, p := range def.Predecessors {
			rec, ok := t.ep.Latest(p)
			if !ok {
				continue
			}
			if v, ok := rec.Values[name]; ok {
				values[name] = v
				break
			}
		}
	}
	return values
}

func (t *transition) memberValues(def *registry.StageDefinition) map[string]map[string]any {
	members := make(map[string]map[string]any, len(def.Predecessors))
	for _, p := range def.Predecessors {
		if rec, ok := t.ep.Latest(p); ok {
			members[p] = rec.Values
		}
	}
	return members
}

func (t *transition) close(def *registry.StageDefinition, idx int) {
	if def.Outcome == "" {
		t.ep.Outcome = registry.OutcomeClosed
		t.events[idx].Outcome = string(t.ep.Outcome)
	}
	now := t.now
	t.ep.ClosedAt = &now
	t.ep.Join = nil
	t.ep.Frontier = []string{def.ID}
	t.ep.Open = nil
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
