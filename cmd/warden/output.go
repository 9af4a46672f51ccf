// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/warden/services/warden/actionlog"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/trust"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func printStatus(w io.Writer, st daemon.Status) {
	now := st.GeneratedAt
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(w, "warden %s at %s\n\n", state, now.Format(time.RFC3339))

	fmt.Fprintln(w, "ACTORS")
	if len(st.Actors) == 0 {
		fmt.Fprintln(w, "  (none observed yet)")
	} else {
		tw := newTable(w)
		fmt.Fprintln(tw, "  ACTOR\tLEVEL\tFLOOR\tLAST ACTIVE\tNOTE")
		for _, a := range st.Actors {
			note := ""
			if a.Frozen {
				note = "FROZEN: " + a.FrozenReason
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", a.ActorID, a.Level, a.Floor, ago(a.LastActiveAt, now), note)
		}
		tw.Flush()
	}

	fmt.Fprintln(w, "\nADAPTERS")
	tw := newTable(w)
	fmt.Fprintln(tw, "  SOURCE\tSTATE\tEMITTED\tDROPPED\tFAILURES\tLAST ERROR")
	for _, h := range st.Adapters {
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%d\t%s\n", h.SourceID, h.State, h.Emitted, h.Dropped, h.Failures, h.LastError)
	}
	tw.Flush()

	ag := st.Aggregator
	dropped := ag.OutputDropped + st.Dispatch.Dropped
	for _, n := range ag.QueueDropped {
		dropped += n
	}
	fmt.Fprintf(w, "\nPIPELINE\n  received %d, observations %d, malformed %d, duplicates %d, late %d, dropped %d, pending %d\n",
		ag.Received, ag.Observations, ag.Malformed, ag.Duplicates, ag.Late,
		dropped, ag.Pending)

	if len(st.Capabilities) > 0 {
		fmt.Fprintln(w, "\nCAPABILITIES")
		tw = newTable(w)
		for _, c := range st.Capabilities {
			fmt.Fprintf(tw, "  %s\t%s\n", c.ID, c.Breaker)
		}
		tw.Flush()
	}

	fmt.Fprintln(w, "\nRECENT ACTIONS")
	printRecords(w, st.RecentActions, now)

	if m := st.LastMaintenance; m != nil {
		fmt.Fprintf(w, "\nLast maintenance %s: %d decayed, %d pruned\n", ago(m.At, now), len(m.Decayed), m.Pruned)
	}
}

func printRecords(w io.Writer, recs []actionlog.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "  WHEN\tACTOR\tKIND\tLEVEL\tOUTCOME\tCHECKPOINT\tREASON")
	for _, r := range recs {
		cp := "-"
		if r.CheckpointRef != nil {
			cp = *r.CheckpointRef
		}
		reason := r.Reason
		if reason == "" {
			reason = r.Error
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			ago(r.Timestamp, now), r.ActorID, r.ActionKind,
			r.TrustLevelAtTime, r.RequiredLevel, r.Outcome, cp, reason)
	}
	tw.Flush()
}

func printActor(w io.Writer, st daemon.ActorStatus) {
	e := st.Entry
	now := time.Now()
	fmt.Fprintf(w, "%s  %s (floor %s, epoch %d)\n", e.ActorID, e.Level, e.Floor, e.Epoch)
	if e.Frozen {
		since := "-"
		if e.FrozenAt != nil {
			since = e.FrozenAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "FROZEN since %s: %s\n", since, e.FrozenReason)
	}
	ev := e.Evidence
	fmt.Fprintf(w, "  first seen %s, last active %s, at level since %s\n",
		ago(e.CreatedAt, now), ago(e.LastActiveAt, now), ago(e.LevelSince, now))
	fmt.Fprintf(w, "  observations %d in streak (%d total, %d contradicted), streak since %s\n",
		ev.Observations, ev.TotalObservations, ev.Contradictions, ago(ev.StreakStartedAt, now))
	fmt.Fprintf(w, "  operations %d ok / %d failed, %d consecutive\n",
		ev.Successes, ev.Failures, ev.ConsecutiveSuccesses)
	fmt.Fprintf(w, "  suggestions %d accepted / %d rejected\n", ev.SuggestionsAccepted, ev.SuggestionsRejected)
	fmt.Fprintln(w, "\nRECENT ACTIONS")
	printRecords(w, st.RecentActions, now)
}

func printTransition(w io.Writer, t trust.Transition) {
	if t.Changed {
		fmt.Fprintf(w, "%s: %s -> %s (%s)\n", t.ActorID, t.From, t.To, t.Reason)
		return
	}
	fmt.Fprintf(w, "%s: stays %s (%s)\n", t.ActorID, t.To, t.Reason)
}

func printResult(w io.Writer, r executor.Result) {
	fmt.Fprintf(w, "action %s: %s", r.ActionID, r.Outcome)
	if r.CheckpointID != "" {
		fmt.Fprintf(w, " (checkpoint %s)", r.CheckpointID)
	}
	if r.Forbidden != nil && r.Forbidden.Forbidden {
		fmt.Fprintf(w, " forbidden by %q: %s", r.Forbidden.Pattern, r.Forbidden.Reason)
	}
	fmt.Fprintln(w)
}

func printMaintenance(w io.Writer, m daemon.MaintenanceReport) {
	fmt.Fprintf(w, "maintenance at %s: %d pruned, %d checkpoints discarded\n",
		m.At.Format(time.RFC3339), m.Pruned, m.CheckpointsDiscarded)
	for _, t := range m.Decayed {
		printTransition(w, t)
	}
}
