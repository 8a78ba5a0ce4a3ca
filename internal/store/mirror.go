package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

const (
	mirrorSubscriberID = "store-mirror"
	mirrorQueueSize    = 256
	mirrorWriteTimeout = 10 * time.Second
)

type mirrorJobKind int

const (
	mirrorJobSession mirrorJobKind = iota
	mirrorJobTask
)

type mirrorJob struct {
	kind mirrorJobKind
	id   string // session key or task id
}

// Mirror is the managed-mode write-behind: it listens for terminal events
// on the bus and copies processed sessions into the remote SessionStore and
// terminal tasks into the TaskArchive. The file-backed session manager and
// task store remain the execution source of truth; the mirror only ever
// writes to the remote side, so losing it degrades inspection, not
// execution.
type Mirror struct {
	sessions *sessions.Manager
	tasks    *tasks.Store
	remote   *Stores
	events   bus.EventPublisher
	logger   *slog.Logger

	jobs chan mirrorJob
	done chan struct{}
}

// NewMirror wires a mirror. remote.Sessions and remote.Tasks may each be
// nil; the corresponding events are then ignored.
func NewMirror(mgr *sessions.Manager, taskStore *tasks.Store, remote *Stores, events bus.EventPublisher, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		sessions: mgr,
		tasks:    taskStore,
		remote:   remote,
		events:   events,
		logger:   logger,
		jobs:     make(chan mirrorJob, mirrorQueueSize),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the bus and launches the write-behind worker.
func (m *Mirror) Start() {
	m.events.Subscribe(mirrorSubscriberID, m.handleEvent)
	go m.run()
}

// Stop unsubscribes and drains queued writes before returning.
func (m *Mirror) Stop() {
	m.events.Unsubscribe(mirrorSubscriberID)
	close(m.jobs)
	<-m.done
}

// handleEvent runs on the bus broadcast path, so it only enqueues. A full
// queue drops the job; the next event for the same session or task catches
// up, and tasks are also re-archived on restart replay.
func (m *Mirror) handleEvent(event bus.Event) {
	var job mirrorJob
	switch event.Name {
	case protocol.EventMessageProcessed:
		key := payloadString(event.Payload, "sessionKey")
		if key == "" || m.remote.Sessions == nil {
			return
		}
		job = mirrorJob{kind: mirrorJobSession, id: key}
	case protocol.EventTaskSucceeded, protocol.EventTaskFailed, protocol.EventTaskTimeout:
		id := payloadString(event.Payload, "taskId")
		if id == "" || m.remote.Tasks == nil {
			return
		}
		job = mirrorJob{kind: mirrorJobTask, id: id}
	default:
		return
	}

	select {
	case m.jobs <- job:
	default:
		m.logger.Warn("store mirror queue full, dropping job", "kind", int(job.kind), "id", job.id)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for job := range m.jobs {
		switch job.kind {
		case mirrorJobSession:
			if err := m.MirrorSession(job.id); err != nil {
				m.logger.Warn("session mirror failed", "session", job.id, "error", err)
			}
		case mirrorJobTask:
			if err := m.ArchiveTask(job.id); err != nil {
				m.logger.Warn("task archive failed", "task", job.id, "error", err)
			}
		}
	}
}

// MirrorSession copies the local session into the remote store and flushes
// the row. It runs after the session's handler completed, and the mirror is
// the only in-process writer to the remote store, so the plain field copy
// onto the remote's cached row is safe.
func (m *Mirror) MirrorSession(key string) error {
	if m.remote.Sessions == nil {
		return nil
	}
	src, ok := m.sessions.Snapshot(key)
	if !ok {
		return nil
	}

	dst := m.remote.Sessions.GetOrCreate(key)
	dst.Messages = src.Messages
	dst.Summary = src.Summary
	dst.Model = src.Model
	dst.Provider = src.Provider
	dst.Channel = src.Channel
	dst.InputTokens = src.InputTokens
	dst.OutputTokens = src.OutputTokens
	dst.CompactionCount = src.CompactionCount
	dst.Label = src.Label
	dst.SpawnedBy = src.SpawnedBy
	dst.SpawnDepth = src.SpawnDepth
	dst.Updated = src.Updated

	return m.remote.Sessions.Save(key)
}

// ArchiveTask snapshots a terminal task into the archive, then mirrors the
// session it ran on so autonomous work (which never passes through the
// message router) still lands in the remote store.
func (m *Mirror) ArchiveTask(id string) error {
	if m.remote.Tasks == nil {
		return nil
	}
	t, err := m.tasks.Get(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
	defer cancel()
	if err := m.remote.Tasks.ArchiveTask(ctx, SnapshotTask(t)); err != nil {
		return err
	}

	key := t.SubagentSessionKey
	if key == "" {
		key = t.SessionKey
	}
	if key != "" && m.remote.Sessions != nil {
		if err := m.MirrorSession(key); err != nil {
			m.logger.Warn("session mirror after archive failed", "session", key, "error", err)
		}
	}
	return nil
}

// payloadString pulls a string field out of a map-shaped event payload.
func payloadString(payload interface{}, field string) string {
	mp, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	v, _ := mp[field].(string)
	return v
}
