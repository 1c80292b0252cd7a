package injector

import (
	"fmt"
	"sync"

	"oryx.ink/email"
)

// Annotation is one (entry-name, owner, value) triple on a mailbox
// message.
type Annotation struct {
	Entry string
	Owner int64
	Value string
}

// MailboxView is an Injectee's placement in one mailbox. UID and
// ModSeq are assigned by the Injector and frozen at commit.
type MailboxView struct {
	MailboxID   int64
	UID         uint32
	ModSeq      int64
	Flags       []string
	Annotations []Annotation
}

// Injectee is a message augmented with the per-mailbox views it is
// to land in. The views are populated exactly once, by the Injector,
// before the Injectee is announced.
type Injectee struct {
	Msg *email.Msg

	mu     sync.Mutex
	views  []*MailboxView
	frozen bool
}

func NewInjectee(msg *email.Msg) *Injectee {
	return &Injectee{Msg: msg}
}

// AddMailbox targets a mailbox, optionally with initial flags and
// annotations. It must be called before injection.
func (inj *Injectee) AddMailbox(mailboxID int64, flags []string, annotations []Annotation) *Injectee {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if inj.frozen {
		panic("injector: AddMailbox after injection")
	}
	inj.views = append(inj.views, &MailboxView{
		MailboxID:   mailboxID,
		Flags:       flags,
		Annotations: annotations,
	})
	return inj
}

// Mailboxes returns the target mailbox ids.
func (inj *Injectee) Mailboxes() []int64 {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	ids := make([]int64, len(inj.views))
	for i, v := range inj.views {
		ids[i] = v.MailboxID
	}
	return ids
}

func (inj *Injectee) view(mailboxID int64) *MailboxView {
	for _, v := range inj.views {
		if v.MailboxID == mailboxID {
			return v
		}
	}
	return nil
}

// UID returns the committed UID in the given mailbox.
func (inj *Injectee) UID(mailboxID int64) (uint32, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	v := inj.view(mailboxID)
	if v == nil || !inj.frozen {
		return 0, fmt.Errorf("injector: no committed view of mailbox %d", mailboxID)
	}
	return v.UID, nil
}

// ModSeq returns the committed modseq in the given mailbox.
func (inj *Injectee) ModSeq(mailboxID int64) (int64, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	v := inj.view(mailboxID)
	if v == nil || !inj.frozen {
		return 0, fmt.Errorf("injector: no committed view of mailbox %d", mailboxID)
	}
	return v.ModSeq, nil
}

func (inj *Injectee) freeze() {
	inj.mu.Lock()
	inj.frozen = true
	inj.mu.Unlock()
}
