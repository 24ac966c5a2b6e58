// Package syncengine orchestrates the pull/merge/push/apply pipeline:
// spec.md §4.4's START → LOCKED → PULL → MERGE → PUSH → APPLY → COMMIT →
// DONE state machine, the push-before-apply-per-message ordering guarantee,
// dry-run, and the push-only variant.
//
// The PULL phase drains the changes/get loop sequentially on the engine
// goroutine; only blob downloads run concurrently, through
// jmapclient.DownloadAll's errgroup worker pool (grounded on the teacher's
// pullDownload errgroup + channel pattern). Gmail history IDs become JMAP
// state tokens, and Gmail's 404-skip handling becomes JMAP's
// notFound/cannotCalculateChanges taxonomy.
package syncengine

import (
	"bytes"
	"context"
	"io"
	"log"
	"sort"

	"github.com/pkg/errors"
	"mujmap/internal/index"
	"mujmap/internal/jmapclient"
	"mujmap/internal/message"
	"mujmap/internal/statestore"
	"mujmap/internal/store"
	"mujmap/internal/tagmap"
)

// Config bundles the options the engine needs beyond its collaborators.
type Config struct {
	Tags             tagmap.Config
	AutoCreate       bool
	ConvertDOSToUnix bool
}

// Engine owns one sync run's collaborators: the remote client, the
// cache/maildir store, the local index, and the state store.
type Engine struct {
	client     *jmapclient.Client
	store      *store.Store
	index      *index.Index
	stateStore *statestore.Store
	cfg        Config

	mailboxes    map[message.MailboxID]message.Mailbox
	mailboxIndex map[string]message.MailboxID
}

// New constructs an Engine. client must already be Connect()ed.
func New(client *jmapclient.Client, st *store.Store, idx *index.Index, ss *statestore.Store, cfg Config) *Engine {
	return &Engine{client: client, store: st, index: idx, stateStore: ss, cfg: cfg}
}

// pullResult is PULL's output: spec.md §4.4.1 names exactly these two
// collections plus the checkpoint state to persist at COMMIT.
type pullResult struct {
	UpdatedSnapshots map[message.ID]message.RemoteSnapshot
	Destroyed        map[message.ID]bool
	FirstState       jmapclient.State
}

// messageKind classifies one updated message for MERGE, per spec.md
// §4.4.1's three-way classification.
type messageKind int

const (
	kindNew messageKind = iota
	kindLocallyModified
	kindUnmodified
)

type mergedMessage struct {
	ID         message.ID
	BlobID     message.BlobID
	Kind       messageKind
	RemoteTags map[string]bool
	LocalTags  map[string]bool
	Snapshot   message.RemoteSnapshot
}

type mergeResult struct {
	Messages map[message.ID]*mergedMessage
}

// Sync runs one full pull+merge+push+apply+commit cycle. dryRun stops
// before PUSH (spec.md §4.4.3): no network writes, no local mutations, the
// cache stays populated with whatever PULL downloaded.
func (e *Engine) Sync(ctx context.Context, dryRun bool) error {
	lock, err := e.stateStore.Acquire()
	if err != nil {
		return err
	}
	defer lock.Release()

	persisted, err := e.stateStore.Load()
	if err != nil {
		return err
	}

	pullRes, err := e.pull(ctx, persisted)
	if err != nil {
		return errors.Wrap(err, "pull")
	}

	merged, err := e.merge(ctx, pullRes, persisted)
	if err != nil {
		return errors.Wrap(err, "merge")
	}

	if dryRun {
		log.Printf("dry run: stopping before push; %d messages downloaded to cache", len(pullRes.UpdatedSnapshots))
		return nil
	}

	excluded, err := e.push(ctx, merged)
	if err != nil {
		return errors.Wrap(err, "push")
	}

	if err := e.apply(ctx, pullRes, merged, excluded); err != nil {
		return errors.Wrap(err, "apply")
	}

	newRevision, err := e.index.CurrentRevision(ctx)
	if err != nil {
		return errors.Wrap(err, "reading post-apply index revision")
	}
	firstState := pullRes.FirstState
	st := statestore.State{JMAPState: &firstState, IndexRevision: &newRevision}
	if err := e.stateStore.Save(st); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// PushOnly implements spec.md §4.4.4's push-only variant: it finds
// messages whose index revision exceeds the watermark, computes remote
// deltas from their current local tags against a freshly-fetched remote
// snapshot, and pushes them. It never touches PULL, MERGE's remote half,
// or APPLY — local-only edits are what's being propagated.
func (e *Engine) PushOnly(ctx context.Context) error {
	lock, err := e.stateStore.Acquire()
	if err != nil {
		return err
	}
	defer lock.Release()

	persisted, err := e.stateStore.Load()
	if err != nil {
		return err
	}
	var watermark uint64
	if persisted.IndexRevision != nil {
		watermark = *persisted.IndexRevision
	}

	entries, err := e.index.EnumerateSince(ctx, watermark)
	if err != nil {
		return errors.Wrap(err, "enumerating locally-modified messages")
	}
	if len(entries) == 0 {
		log.Print("push: no locally-modified messages")
		return nil
	}

	if err := e.loadMailboxes(ctx); err != nil {
		return err
	}

	ids := make([]message.ID, len(entries))
	for i, en := range entries {
		ids[i] = en.ID
	}
	getRes, err := e.client.Get(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "fetching current remote state for push")
	}

	merged := &mergeResult{Messages: map[message.ID]*mergedMessage{}}
	for _, en := range entries {
		snap, ok := getRes.Snapshots[en.ID]
		if !ok {
			log.Printf("push: %s no longer exists on the server, skipping; the next sync will reconcile", en.ID)
			continue
		}
		merged.Messages[en.ID] = &mergedMessage{
			ID: en.ID, BlobID: en.BlobID, Kind: kindLocallyModified,
			LocalTags: en.Tags, Snapshot: snap,
		}
	}

	if _, err := e.push(ctx, merged); err != nil {
		return errors.Wrap(err, "push")
	}
	return nil
}

func (e *Engine) loadMailboxes(ctx context.Context) error {
	mailboxes, err := e.client.Mailboxes(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching mailbox list")
	}
	e.mailboxes = make(map[message.MailboxID]message.Mailbox, len(mailboxes))
	for _, mb := range mailboxes {
		e.mailboxes[mb.ID] = mb
	}
	e.mailboxIndex = tagmap.BuildTagIndex(e.mailboxes, e.cfg.Tags)
	return nil
}

// pull implements spec.md §4.4.1's PULL transition.
func (e *Engine) pull(ctx context.Context, persisted statestore.State) (pullResult, error) {
	res := pullResult{UpdatedSnapshots: map[message.ID]message.RemoteSnapshot{}, Destroyed: map[message.ID]bool{}}

	var queue []message.ID
	var err error
	var baseline jmapclient.State
	if persisted.JMAPState != nil {
		var finalState jmapclient.State
		queue, res.Destroyed, finalState, err = e.pullIncremental(ctx, *persisted.JMAPState)
		if errors.Cause(err) == jmapclient.ErrStateExpired {
			log.Print("pull: server state expired, falling back to full rediscovery")
			queue, res.Destroyed, err = e.pullFullList(ctx)
		} else if err == nil {
			// finalState is the state observed at the end of the
			// changes() loop, i.e. the start of this pull (spec.md
			// §4.4.1). It is what gets persisted at COMMIT, and it's
			// also the baseline drainQueue diffs its first get() batch
			// against, so any change that lands in the window between
			// here and that first batch (e.g. during loadMailboxes
			// below) is still absorbed rather than silently dropped.
			res.FirstState = finalState
			baseline = finalState
		}
	} else {
		log.Print("pull: no prior jmap_state, doing full rediscovery")
		queue, res.Destroyed, err = e.pullFullList(ctx)
	}
	if err != nil {
		return pullResult{}, err
	}

	if err := e.loadMailboxes(ctx); err != nil {
		return pullResult{}, err
	}

	if err := e.drainQueue(ctx, queue, &res, baseline); err != nil {
		return pullResult{}, err
	}

	if err := e.downloadMissing(ctx, res.UpdatedSnapshots); err != nil {
		return pullResult{}, err
	}

	return res, nil
}

func (e *Engine) pullIncremental(ctx context.Context, since jmapclient.State) ([]message.ID, map[message.ID]bool, jmapclient.State, error) {
	destroyed := map[message.ID]bool{}
	var queue []message.ID
	state := since
	for {
		changes, err := e.client.Changes(ctx, state)
		if err != nil {
			return nil, nil, "", err
		}
		queue = append(queue, changes.Created...)
		queue = append(queue, changes.Updated...)
		for _, id := range changes.Destroyed {
			destroyed[id] = true
		}
		state = changes.NewState
		if !changes.HasMore {
			break
		}
	}
	return queue, destroyed, state, nil
}

func (e *Engine) pullFullList(ctx context.Context) ([]message.ID, map[message.ID]bool, error) {
	ids, err := e.client.Query(ctx)
	if err != nil {
		return nil, nil, err
	}
	existing, err := e.store.ListMaildir()
	if err != nil {
		return nil, nil, err
	}
	present := make(map[message.ID]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	destroyed := map[message.ID]bool{}
	for _, f := range existing {
		if !present[f.ID] {
			destroyed[f.ID] = true
		}
	}
	return ids, destroyed, nil
}

// drainQueue fetches every queued id via Email/get in batches, and loops
// back through Email/changes whenever a batch's new_state has drifted from
// the state it's being compared against, absorbing whatever the server
// accepted in the meantime. baseline is the checkpoint already established
// before this call: on the incremental-pull path it's the changes() loop's
// final state (also what gets persisted at COMMIT as res.FirstState), and
// the very first get() batch is diffed against it just like every later
// batch is diffed against the one before it, so drift in the window between
// the changes() loop finishing and the first get() landing is still
// absorbed rather than skipped (spec.md §4.4.1, ordering guarantee (iv)).
// On the full-rediscovery path there is no prior checkpoint to diff
// against — baseline is the zero value — so the first batch's new_state is
// taken as both the tracked state and res.FirstState to persist.
func (e *Engine) drainQueue(ctx context.Context, queue []message.ID, res *pullResult, baseline jmapclient.State) error {
	trackedState := baseline
	haveBaseline := baseline != ""
	for len(queue) > 0 {
		batch := queue
		queue = nil

		getRes, err := e.client.Get(ctx, batch)
		if err != nil {
			return errors.Wrap(err, "fetching message properties")
		}
		for id, snap := range getRes.Snapshots {
			res.UpdatedSnapshots[id] = snap
		}

		if !haveBaseline {
			res.FirstState = getRes.NewState
			trackedState = getRes.NewState
			haveBaseline = true
			continue
		}
		if getRes.NewState == trackedState {
			continue
		}
		changes, err := e.client.Changes(ctx, trackedState)
		if err != nil {
			return errors.Wrap(err, "absorbing changes observed mid-pull")
		}
		queue = append(queue, changes.Created...)
		queue = append(queue, changes.Updated...)
		for _, id := range changes.Destroyed {
			res.Destroyed[id] = true
		}
		trackedState = changes.NewState
	}
	return nil
}

// downloadMissing schedules a blob download for every updated snapshot
// not already present in the maildir or cache, across the client's
// bounded worker pool (spec.md §4.1, §5).
func (e *Engine) downloadMissing(ctx context.Context, snapshots map[message.ID]message.RemoteSnapshot) error {
	var tasks []jmapclient.DownloadTask
	for id, snap := range snapshots {
		_, found, err := e.store.Lookup(id, snap.BlobID)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		tasks = append(tasks, jmapclient.DownloadTask{ID: id, BlobID: snap.BlobID})
	}
	if len(tasks) == 0 {
		return nil
	}
	log.Printf("pull: downloading %d blobs", len(tasks))
	return e.client.DownloadAll(ctx, tasks, func(ctx context.Context, id message.ID, blobID message.BlobID) error {
		body, err := e.client.Download(ctx, id, blobID)
		if err != nil {
			return errors.Wrapf(err, "downloading blob for %s", id)
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return errors.Wrapf(err, "reading blob for %s", id)
		}
		if e.cfg.ConvertDOSToUnix {
			data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
		}
		return e.store.WriteBlob(ctx, id, blobID, bytes.NewReader(data))
	})
}

// merge implements spec.md §4.4.1's MERGE transition: classify every
// message the pull touched as new/locally-modified/unmodified by
// comparing the local index's revision for it against the previous sync's
// watermark. It then separately enumerates locally-modified messages the
// pull did NOT touch (local edits to a message with no server-side
// change) and fetches their current remote snapshot, so PUSH still
// propagates them.
func (e *Engine) merge(ctx context.Context, pullRes pullResult, persisted statestore.State) (*mergeResult, error) {
	mr := &mergeResult{Messages: map[message.ID]*mergedMessage{}}
	noWatermark := persisted.IndexRevision == nil
	var watermark uint64
	if !noWatermark {
		watermark = *persisted.IndexRevision
	}

	for id, snap := range pullRes.UpdatedSnapshots {
		remoteTags := tagmap.RemoteToLocal(snap, e.mailboxes, e.cfg.Tags)
		m := &mergedMessage{ID: id, BlobID: snap.BlobID, RemoteTags: remoteTags, Snapshot: snap}

		entry, found, err := e.index.Get(ctx, id)
		if err != nil {
			log.Printf("merge: reading local entry for %s: %v; treating as new", id, err)
			found = false
		}
		switch {
		case !found:
			m.Kind = kindNew
		case noWatermark || entry.Revision > watermark:
			m.Kind = kindLocallyModified
			m.LocalTags = entry.Tags
		default:
			m.Kind = kindUnmodified
		}
		mr.Messages[id] = m
	}

	locallyModified, err := e.index.EnumerateSince(ctx, watermark)
	if err != nil {
		return nil, errors.Wrap(err, "enumerating locally-modified messages")
	}
	var untouched []message.ID
	for _, entry := range locallyModified {
		if _, already := mr.Messages[entry.ID]; already {
			continue
		}
		untouched = append(untouched, entry.ID)
	}
	if len(untouched) > 0 {
		getRes, err := e.client.Get(ctx, untouched)
		if err != nil {
			return nil, errors.Wrap(err, "fetching remote state for locally-modified messages")
		}
		for _, entry := range locallyModified {
			if _, already := mr.Messages[entry.ID]; already {
				continue
			}
			snap, ok := getRes.Snapshots[entry.ID]
			if !ok {
				log.Printf("merge: %s no longer exists on the server, skipping push", entry.ID)
				continue
			}
			mr.Messages[entry.ID] = &mergedMessage{
				ID: entry.ID, BlobID: entry.BlobID, Kind: kindLocallyModified,
				LocalTags: entry.Tags, Snapshot: snap,
			}
		}
	}

	return mr, nil
}

// push implements spec.md §4.4.1's PUSH transition: one Email/set batch
// carrying only the path-style patches each locally-modified message
// needs. A per-message rejection (including the whole call failing)
// excludes only that message from APPLY; it does not abort the run.
func (e *Engine) push(ctx context.Context, mr *mergeResult) (map[message.ID]bool, error) {
	excluded := map[message.ID]bool{}
	patches := map[message.ID]jmapclient.Patch{}

	for id, m := range mr.Messages {
		if m.Kind != kindLocallyModified {
			continue
		}
		delta := tagmap.LocalToRemoteDelta(m.LocalTags, m.Snapshot, e.mailboxes, e.mailboxIndex, e.cfg.Tags)
		if len(delta.MissingMailboxTags) > 0 && e.cfg.AutoCreate {
			e.createMissingMailboxes(ctx, delta.MissingMailboxTags)
			delta = tagmap.LocalToRemoteDelta(m.LocalTags, m.Snapshot, e.mailboxes, e.mailboxIndex, e.cfg.Tags)
		}
		if deltaEmpty(delta) {
			continue
		}
		patches[id] = jmapclient.Patch{
			AddKeywords:     delta.AddKeywords,
			RemoveKeywords:  delta.RemoveKeywords,
			AddMailboxes:    delta.AddMailboxes,
			RemoveMailboxes: delta.RemoveMailboxes,
			Current:         m.Snapshot,
		}
	}
	if len(patches) == 0 {
		return excluded, nil
	}

	setResult, err := e.client.Set(ctx, patches)
	if err != nil {
		log.Printf("push: Email/set failed, excluding %d messages from apply: %v", len(patches), err)
		for id := range patches {
			excluded[id] = true
		}
		return excluded, nil
	}
	for id := range patches {
		if !setResult.Updated[id] {
			log.Printf("push: %s rejected: %s", id, setResult.Rejections[id])
			excluded[id] = true
		}
	}
	return excluded, nil
}

func (e *Engine) createMissingMailboxes(ctx context.Context, tags []string) {
	sort.Strings(tags)
	for _, tag := range tags {
		id, err := e.client.CreateMailbox(ctx, tag, "")
		if err != nil {
			log.Printf("push: auto-creating mailbox %q: %v", tag, err)
			continue
		}
		mb := message.Mailbox{ID: id, Name: tag}
		e.mailboxes[id] = mb
		e.mailboxIndex[tag] = id
	}
}

func deltaEmpty(d tagmap.Delta) bool {
	return len(d.AddKeywords) == 0 && len(d.RemoveKeywords) == 0 &&
		len(d.AddMailboxes) == 0 && len(d.RemoveMailboxes) == 0
}

// apply implements spec.md §4.4.1's APPLY transition, strictly after PUSH
// per message (spec.md §4.4.2). For destroyed messages it removes the
// maildir file and the index entry; for updated messages not excluded by
// a push failure it promotes the cached blob (if needed) and writes
// (new/unmodified) or leaves untouched (locally-modified) the local tag
// set. Automatic tags are written to the index as part of that tag set,
// and the maildir flag suffix is computed from them. Cached blobs that
// were not promoted are discarded at the end.
func (e *Engine) apply(ctx context.Context, pullRes pullResult, mr *mergeResult, excluded map[message.ID]bool) error {
	for id := range pullRes.Destroyed {
		entry, found, err := e.index.Get(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := e.store.RemoveMaildirFile(entry.Filename); err != nil {
			return err
		}
		if err := e.index.Remove(ctx, id); err != nil {
			return err
		}
	}

	for id, m := range mr.Messages {
		if excluded[id] {
			continue
		}
		if err := e.applyOne(ctx, m); err != nil {
			return errors.Wrapf(err, "applying %s", id)
		}
	}

	for id, snap := range pullRes.UpdatedSnapshots {
		loc, found, err := e.store.Lookup(id, snap.BlobID)
		if err != nil {
			return err
		}
		if found && !loc.InMaildir {
			// Promoted already inside applyOne for the common
			// path; anything still in cache here was not
			// promoted (e.g. its message failed PUSH and was
			// excluded from APPLY).
			if err := e.store.DiscardCacheFile(id, snap.BlobID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyOne(ctx context.Context, m *mergedMessage) error {
	switch m.Kind {
	case kindNew:
		flags := flagsForTags(m.RemoteTags)
		filename, err := e.promoteIfNeeded(m.ID, m.BlobID, flags)
		if err != nil {
			return err
		}
		if filename == "" {
			log.Printf("apply: blob for new message %s unavailable, skipping", m.ID)
			return nil
		}
		return e.index.Add(ctx, m.ID, m.BlobID, filename, m.RemoteTags)

	case kindUnmodified:
		flags := flagsForTags(m.RemoteTags)
		if _, err := e.promoteIfNeeded(m.ID, m.BlobID, flags); err != nil {
			return err
		}
		entry, found, err := e.index.Get(ctx, m.ID)
		if err != nil {
			return err
		}
		if found && entry.Filename != "" {
			newName, err := e.store.RenameFlags(m.ID, m.BlobID, entry.Filename, flags)
			if err != nil {
				return err
			}
			if newName != entry.Filename {
				if err := e.index.UpdateFilename(ctx, m.ID, newName); err != nil {
					return err
				}
			}
		}
		return e.index.SetTags(ctx, m.ID, m.RemoteTags)

	case kindLocallyModified:
		// Tags are intentionally left as the user's version; only
		// ensure the blob itself made it into the maildir.
		_, err := e.promoteIfNeeded(m.ID, m.BlobID, "")
		return err
	}
	return nil
}

// promoteIfNeeded moves a cached blob into the maildir if it isn't there
// already, returning the resulting maildir filename (or the existing one).
func (e *Engine) promoteIfNeeded(id message.ID, blob message.BlobID, flags string) (string, error) {
	loc, found, err := e.store.Lookup(id, blob)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	if loc.InMaildir {
		return loc.MaildirName, nil
	}
	return e.store.Promote(id, blob, flags)
}

// flagsForTags derives the maildir-standard flag suffix from the
// automatic tags the index owns, per spec.md §3's filename format. Flags
// are emitted in the conventional sorted order (D, F, P, R, S).
func flagsForTags(tags map[string]bool) string {
	var flags []byte
	if tags[message.AutoTagDraft] {
		flags = append(flags, 'D')
	}
	if tags[message.AutoTagFlagged] {
		flags = append(flags, 'F')
	}
	if tags[message.AutoTagPassed] {
		flags = append(flags, 'P')
	}
	if tags[message.AutoTagReplied] {
		flags = append(flags, 'R')
	}
	if !tags[message.AutoTagUnread] {
		flags = append(flags, 'S')
	}
	return string(flags)
}
