package wikisync

// one serialized tiddler inside a dump batch
type DumpItem struct {
	Title       string `json:"title"`
	TiddlerJson string `json:"tiddler_json"`
}

// the transport/backend collaborator.
// physical discovery and connection establishment live behind this interface,
// the engine only sends typed calls and polls for inbound messages
type MessageBackend interface {
	// resolves the replica identity persisted for a wiki path.
	// ok is false when the path has no identity yet
	LookupWikiId(path string) (wikiId Id, ok bool, err error)
	// tells the remote side this replica is open and ready to receive
	NotifyWikiOpened(wikiId Id, deviceId Id) error
	SendChange(wikiId Id, title string, tiddlerJson string) error
	SendDeletion(wikiId Id, title string) error
	// one size bounded batch of a full resend. isLast marks the end of the stream
	SendDump(wikiId Id, toDeviceId Id, items []DumpItem, isLast bool) error
	SendFingerprints(wikiId Id, toDeviceId Id, fingerprints []Fingerprint) error
	BroadcastFingerprints(wikiId Id, fingerprints []Fingerprint) error
	BroadcastAttachment(wikiId Id, filename string) error
	// drains the inbound queue for this replica.
	// an empty result is normal. an error means the channel is unavailable
	PollInbound(wikiId Id) ([]Message, error)
}

// a backend whose peer-facing calls are direct in-process invocations
// rather than queued channel sends. selected at session construction time
type BridgeBackend interface {
	MessageBackend
	DirectBridge()
}
