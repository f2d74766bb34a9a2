package forward

import (
	"context"

	"go.uber.org/zap"

	"squidcore/internal/adaptation"
	"squidcore/internal/store"
)

// CacheBlockChecker answers the store_miss ACL (spec.md §6
// accessList.storeMiss): whether a fetched reply may be written into
// the store at all. Like peerselect.ACLChecker's AlwaysDirect/
// NeverDirect, this is injected rather than carried as a config.Config
// field, since ACL evaluation itself is out of scope (spec.md §1).
type CacheBlockChecker interface {
	StoreMiss(ctx context.Context, req *Request, reply *adaptation.Message) bool
}

// commitToStore implements spec.md §4.6's "on final reply set": install
// a store entry for req.URL, gate it on the store_miss ACL, and mark it
// whole or aborted once the body has been fully received — spec.md §3's
// "Store entry" lifecycle ("created on miss ... written incrementally,
// marked whole or aborted at termination"). body is the already-fully-
// received bytes; this demo-depth implementation commits the entry in
// one shot rather than writing it incrementally as bytes stream past,
// since no example repo models a store that exposes partial-write
// append semantics (see DESIGN.md).
func (l *Lifecycle) commitToStore(ctx context.Context, req *Request, final *adaptation.Message, body []byte, bodyAborted bool) {
	if l.store == nil || final == nil {
		return
	}
	if l.storeMiss != nil && l.storeMiss.StoreMiss(ctx, req, final) {
		return
	}
	entry := &store.Entry{
		Key:     req.URL,
		Header:  final.Header,
		Status:  final.StatusCode,
		Body:    body,
		Aborted: bodyAborted,
	}
	if err := l.store.Put(entry); err != nil {
		l.log.Warn("store: commit failed", zap.String("key", req.URL), zap.Error(err))
	}
}
