package tagmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"mujmap/internal/message"
)

func TestRemoteToLocalAutomaticTags(t *testing.T) {
	cfg := DefaultConfig()
	snap := message.RemoteSnapshot{
		ID:     "M1",
		Keywords: map[message.Keyword]bool{
			message.KeywordFlagged: true,
		},
		MailboxIDs: map[message.MailboxID]bool{},
	}
	tags := RemoteToLocal(snap, nil, cfg)
	want := map[string]bool{
		message.AutoTagUnread:  true,
		message.AutoTagFlagged: true,
	}
	if diff := cmp.Diff(want, tags); diff != "" {
		t.Errorf("RemoteToLocal mismatch (-want +got):\n%s", diff)
	}
}

func TestSpamSoleSourceOfTruthWhenJunkMailboxExists(t *testing.T) {
	cfg := DefaultConfig()
	mailboxes := map[message.MailboxID]message.Mailbox{
		"junk": {ID: "junk", Role: message.RoleJunk, Name: "Junk"},
	}
	snap := message.RemoteSnapshot{
		Keywords:   map[message.Keyword]bool{message.KeywordSeen: true, message.KeywordJunk: true},
		MailboxIDs: map[message.MailboxID]bool{},
	}
	tags := RemoteToLocal(snap, mailboxes, cfg)
	if tags["spam"] {
		t.Errorf("expected spam=false when message is not in the Junk mailbox, even though $Junk is set; got tags=%v", tags)
	}

	snap.MailboxIDs["junk"] = true
	snap.Keywords[message.KeywordJunk] = false
	tags = RemoteToLocal(snap, mailboxes, cfg)
	if !tags["spam"] {
		t.Errorf("expected spam=true from Junk mailbox membership even though $Junk is unset; got tags=%v", tags)
	}
}

func TestSpamFallsBackToKeywordsWithoutJunkMailbox(t *testing.T) {
	cfg := DefaultConfig()
	snap := message.RemoteSnapshot{
		Keywords:   map[message.Keyword]bool{message.KeywordSeen: true, message.KeywordJunk: true, message.KeywordNotJunk: true},
		MailboxIDs: map[message.MailboxID]bool{},
	}
	tags := RemoteToLocal(snap, nil, cfg)
	if tags["spam"] {
		t.Errorf("expected $NotJunk to suppress spam; got tags=%v", tags)
	}
}

func TestMailboxTagTreeNaming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DirectorySeparator = "/"
	mailboxes := map[message.MailboxID]message.Mailbox{
		"archive": {ID: "archive", Role: message.RoleArchive, Name: "Archive"},
		"proj":    {ID: "proj", Name: "Projects", ParentID: "archive"},
	}
	tag, ok := MailboxTag(mailboxes["proj"], mailboxes, cfg)
	if !ok || tag != "archive/Projects" {
		t.Errorf("MailboxTag = %q, ok=%v, want %q", tag, ok, "archive/Projects")
	}
}

func TestMailboxIgnoredWhenRoleTagEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoleTag[message.RoleArchive] = ""
	mailboxes := map[message.MailboxID]message.Mailbox{
		"archive": {ID: "archive", Role: message.RoleArchive, Name: "Archive"},
	}
	_, ok := MailboxTag(mailboxes["archive"], mailboxes, cfg)
	if ok {
		t.Errorf("expected Archive mailbox to be ignored when its role tag is empty")
	}
}

func TestLocalToRemoteDeltaOnlyTouchesChangedFields(t *testing.T) {
	cfg := DefaultConfig()
	mailboxes := map[message.MailboxID]message.Mailbox{
		"junk": {ID: "junk", Role: message.RoleJunk, Name: "Junk"},
	}
	snap := message.RemoteSnapshot{
		Keywords:   map[message.Keyword]bool{message.KeywordSeen: true},
		MailboxIDs: map[message.MailboxID]bool{"junk": true}, // server already set spam, local didn't know
	}
	localTags := map[string]bool{"important": true} // user only touched "important"

	idx := BuildTagIndex(mailboxes, cfg)
	delta := LocalToRemoteDelta(localTags, snap, mailboxes, idx, cfg)

	if !delta.AddKeywords[message.KeywordImportant] {
		t.Errorf("expected $Important to be added, got %+v", delta)
	}
	if delta.RemoveMailboxes["junk"] {
		t.Errorf("local-wins must not clobber the server's unseen Junk mailbox assignment: %+v", delta)
	}
}

func TestRoundTrip(t *testing.T) {
	// Invariant 7 (spec.md §8): mapping a remote-derived local tag set
	// back against the same remote snapshot it came from must be a
	// no-op delta, modulo ignored/automatic tags. This is also what
	// invariant 3 relies on: an unmodified message produces zero
	// Email/set calls.
	cfg := DefaultConfig()
	mailboxes := map[message.MailboxID]message.Mailbox{
		"inbox": {ID: "inbox", Role: message.RoleInbox, Name: "Inbox"},
	}
	snap := message.RemoteSnapshot{
		Keywords:   map[message.Keyword]bool{message.KeywordFlagged: true, message.KeywordSeen: true, message.KeywordNotJunk: true},
		MailboxIDs: map[message.MailboxID]bool{"inbox": true},
	}
	local := RemoteToLocal(snap, mailboxes, cfg)

	idx := BuildTagIndex(mailboxes, cfg)
	delta := LocalToRemoteDelta(local, snap, mailboxes, idx, cfg)

	if len(delta.AddKeywords) != 0 || len(delta.RemoveKeywords) != 0 {
		t.Errorf("expected no keyword changes, got +%v -%v", delta.AddKeywords, delta.RemoveKeywords)
	}
	if len(delta.AddMailboxes) != 0 || len(delta.RemoveMailboxes) != 0 {
		t.Errorf("expected no mailbox changes, got +%v -%v", delta.AddMailboxes, delta.RemoveMailboxes)
	}
}
