package wikisync

import (
	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// anti-entropy over fingerprint sets.
// the periodic broadcast is what lets the system self-heal after any missed
// message, reordering, or transient channel failure. it is idempotent and
// becomes a no-op once replicas converge
type fingerprintReconciler struct {
	session *ReplicaSession
}

func newFingerprintReconciler(session *ReplicaSession) *fingerprintReconciler {
	return &fingerprintReconciler{
		session: session,
	}
}

// the full fingerprint set of this replica: every syncable title's
// {title, modified}, plus known-but-skipped titles
func (self *fingerprintReconciler) Fingerprints() []Fingerprint {
	session := self.session

	fingerprints := []Fingerprint{}
	seen := map[string]bool{}
	for _, title := range session.store.AllTitles() {
		if !SyncableTitle(title) {
			continue
		}
		if !session.store.Exists(title) {
			continue
		}
		fields, ok := session.store.Get(title)
		if !ok {
			continue
		}
		modified := normalizeStamp(fields[FieldModified])
		if skipped, ok := session.skippedModified(title); ok {
			if modified < normalizeStamp(skipped) {
				modified = normalizeStamp(skipped)
			}
		}
		fingerprints = append(fingerprints, Fingerprint{
			Title:    title,
			Modified: modified,
		})
		seen[title] = true
	}
	for title, modified := range session.skippedSnapshot() {
		if seen[title] || !SyncableTitle(title) {
			continue
		}
		fingerprints = append(fingerprints, Fingerprint{
			Title:    title,
			Modified: normalizeStamp(modified),
		})
	}
	slices.SortFunc(fingerprints, func(a Fingerprint, b Fingerprint) int {
		if a.Title < b.Title {
			return -1
		} else if b.Title < a.Title {
			return 1
		}
		return 0
	})
	return fingerprints
}

// a peer asked for this replica's fingerprints. send them to the requester,
// or broadcast when the requester is unknown
func (self *fingerprintReconciler) HandleFingerprintRequest(fromDeviceId Id) {
	session := self.session
	message := &CompareFingerprints{
		FromDeviceId: session.deviceId,
		Fingerprints: self.Fingerprints(),
	}
	if (fromDeviceId == Id{}) {
		session.transport.Send(message, nil)
	} else {
		session.transport.Send(message, &fromDeviceId)
	}
}

// diff the peer's fingerprint set against the local store.
// every local title the peer lacks, or holds with an older modified value,
// streams back to the peer. when the peer holds titles this replica lacks
// or has stale, answer with the local fingerprint set so the peer's own
// compare pushes them back
func (self *fingerprintReconciler) HandleCompare(fromDeviceId Id, peerFingerprints []Fingerprint) {
	session := self.session
	if (fromDeviceId == Id{}) {
		glog.V(2).Infof("[fpr]%s compare without sender\n", session.wikiId)
		return
	}

	peer := map[string]string{}
	for _, fingerprint := range peerFingerprints {
		peer[fingerprint.Title] = fingerprint.Modified
	}

	local := self.Fingerprints()
	localModified := map[string]string{}
	toSend := []string{}
	for _, fingerprint := range local {
		localModified[fingerprint.Title] = fingerprint.Modified
		peerModified, ok := peer[fingerprint.Title]
		if !ok || peerModified < fingerprint.Modified {
			toSend = append(toSend, fingerprint.Title)
		}
	}

	glog.V(2).Infof("[fpr]%s compare from %s, sending %d\n", session.wikiId, fromDeviceId, len(toSend))
	self.sendTiddlers(fromDeviceId, toSend)

	lacking := false
	for title, peerModified := range peer {
		if !SyncableTitle(title) {
			continue
		}
		modified, ok := localModified[title]
		if !ok || modified < peerModified {
			lacking = true
			break
		}
	}
	if lacking {
		session.transport.Send(&CompareFingerprints{
			FromDeviceId: session.deviceId,
			Fingerprints: local,
		}, &fromDeviceId)
	}
}

// unconditional full resend, the fallback when a diff is not enough
func (self *fingerprintReconciler) HandleDumpRequest(fromDeviceId Id) {
	session := self.session
	if (fromDeviceId == Id{}) {
		glog.V(2).Infof("[fpr]%s dump request without sender\n", session.wikiId)
		return
	}
	titles := []string{}
	for _, title := range session.store.AllTitles() {
		if !SyncableTitle(title) {
			continue
		}
		titles = append(titles, title)
	}
	slices.Sort(titles)
	self.sendTiddlers(fromDeviceId, titles)
}

// streams the titles to the peer in size bounded batches, pacing successive
// batches so the channel is not overwhelmed. the final batch is always marked,
// even when there is nothing to send, so the peer's wait state resolves
func (self *fingerprintReconciler) sendTiddlers(toDeviceId Id, titles []string) {
	session := self.session

	items := []DumpItem{}
	for _, title := range titles {
		fields, ok := session.store.Get(title)
		if !ok {
			continue
		}
		tiddlerJson, err := marshalTiddler(fields)
		if err != nil {
			glog.Infof("[fpr]%s serialize %s error = %s\n", session.wikiId, title, err)
			continue
		}
		items = append(items, DumpItem{
			Title:       title,
			TiddlerJson: tiddlerJson,
		})
	}

	batches := splitDumpBatches(items, session.settings.MaxBatchByteCount)
	for i, batch := range batches {
		select {
		case <-session.ctx.Done():
			return
		default:
		}
		isLast := i == len(batches)-1
		session.transport.SendDumpBatch(toDeviceId, batch, isLast)
		if !isLast {
			session.clock.Sleep(session.settings.BatchPacingDelay)
		}
	}
}

// splits items into batches whose serialized payload stays within the bound,
// computed incrementally while building each batch.
// a batch always holds at least one item, even if it alone exceeds the bound.
// an empty input yields one empty batch, which the caller marks final
func splitDumpBatches(items []DumpItem, maxByteCount ByteCount) [][]DumpItem {
	if len(items) == 0 {
		return [][]DumpItem{{}}
	}
	batches := [][]DumpItem{}
	batch := []DumpItem{}
	byteCount := ByteCount(0)
	for _, item := range items {
		itemByteCount := ByteCount(len(item.Title) + len(item.TiddlerJson))
		if 0 < len(batch) && maxByteCount < byteCount+itemByteCount {
			batches = append(batches, batch)
			batch = []DumpItem{}
			byteCount = 0
		}
		batch = append(batch, item)
		byteCount += itemByteCount
	}
	batches = append(batches, batch)
	return batches
}

// sends the local fingerprint set to all peers
func (self *fingerprintReconciler) Broadcast() {
	session := self.session
	session.transport.Send(&CompareFingerprints{
		FromDeviceId: session.deviceId,
		Fingerprints: self.Fingerprints(),
	}, nil)
	glog.V(2).Infof("[fpr]%s broadcast\n", session.wikiId)
}

func (self *fingerprintReconciler) runPeriodic() {
	session := self.session
	ticker := session.clock.NewTicker(session.settings.FingerprintBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-session.ctx.Done():
			return
		case <-ticker.Chan():
			self.Broadcast()
		}
	}
}
