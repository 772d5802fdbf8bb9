package signal

import (
	"fmt"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

func denied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// CanRead allows reads anywhere inside the rooms tree.
func CanRead(who domain.MemberID, collection string) error {
	if mailbox.Locate(collection).Area == mailbox.AreaUnknown {
		return denied("read %s", collection)
	}
	return nil
}

// CanWrite enforces record ownership. A member writes only its own presence,
// its own candidates, offers it makes, answers it gives and messages it
// sends. prev is the document currently stored at op.Ref, nil when there is
// none or op is an auto-id append. Offers and answers may be deleted by
// whoever consumes them but never overwritten by anyone else. Messages are
// append-only. Room documents are written by the rooms API only.
func CanWrite(who domain.MemberID, op core.Op, prev *core.Document) error {
	ref := op.Ref
	loc := mailbox.Locate(ref.Collection)
	switch loc.Area {
	case mailbox.AreaMembers:
		if domain.MemberID(ref.ID) != who {
			return denied("member %s is not %s", ref.ID, who)
		}
		return nil
	case mailbox.AreaCandidates:
		if loc.Owner != who {
			return denied("candidates of %s", loc.Owner)
		}
		return nil
	case mailbox.AreaOffers:
		if op.Kind == core.OpDelete {
			return nil
		}
		rec, err := decode[domain.OfferRecord](op.Data)
		if err != nil || rec.CallerID != who {
			return denied("offer not made by %s", who)
		}
		if prev != nil {
			old, err := decode[domain.OfferRecord](prev.Data)
			if err != nil || old.CallerID != who {
				return denied("offer %s belongs to another member", ref.ID)
			}
		}
		return nil
	case mailbox.AreaAnswers:
		if op.Kind == core.OpDelete {
			return nil
		}
		rec, err := decode[domain.AnswerRecord](op.Data)
		if err != nil || rec.From != who {
			return denied("answer not given by %s", who)
		}
		if prev != nil {
			old, err := decode[domain.AnswerRecord](prev.Data)
			if err != nil || old.From != who {
				return denied("answer %s belongs to another member", ref.ID)
			}
		}
		return nil
	case mailbox.AreaMessages:
		if op.Kind == core.OpDelete || ref.ID != "" {
			return denied("messages are append-only")
		}
		rec, err := decode[domain.MessageRecord](op.Data)
		if err != nil || rec.SenderID != who {
			return denied("message not sent by %s", who)
		}
		return nil
	}
	return denied("write %s", ref.Collection)
}

// guarded reports whether CanWrite needs the stored document for op.
func guarded(op core.Op) bool {
	if op.Kind != core.OpSet || op.Ref.ID == "" {
		return false
	}
	switch mailbox.Locate(op.Ref.Collection).Area {
	case mailbox.AreaOffers, mailbox.AreaAnswers:
		return true
	}
	return false
}

func decode[T any](data []byte) (T, error) {
	return mailbox.Decode[T](core.Document{Data: data})
}
