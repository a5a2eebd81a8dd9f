// Package model defines the persisted entities: Frame, VideoSegment,
// AppSession, OCRNode, and IndexedDocument.
package model

// EncodingStatus is the per-frame state of the video pipeline.
type EncodingStatus string

const (
	EncodingPending EncodingStatus = "pending"
	EncodingSuccess EncodingStatus = "success"
	EncodingFailed  EncodingStatus = "failed"
)

// ProcessingStatus is the per-frame state of the OCR/indexing queue.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Source tags which corpus a row belongs to.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// FrameMetadata is the app/window context captured alongside a frame.
type FrameMetadata struct {
	AppBundleID  string
	AppName      string
	WindowTitle  string
	URL          string
	DisplayIndex int
}

// Frame is one captured screenshot moment.
type Frame struct {
	ID               int64
	CreatedAt        int64 // authoritative capture timestamp, epoch-ms (or parsed from secondary's ISO-8601)
	SegmentID        int64
	VideoID          int64 // 0 until the owning segment finalizes
	VideoFrameIndex  int
	EncodingStatus   EncodingStatus
	ProcessingStatus ProcessingStatus
	RetryCount       int
	LastError        string
	LastTextHash     uint64 // xxhash of the last OCR attempt's full text, for idempotent retries
	Source           Source
	Metadata         FrameMetadata
}

// VideoSegment is a finalized video file covering contiguous frames.
type VideoSegment struct {
	ID            int64
	StartTime     int64
	EndTime       int64
	FrameCount    int
	FileSizeBytes int64
	RelativePath  string
	Width         int
	Height        int
	Source        Source
}

// AppSession is a contiguous span of one (bundleID, windowTitle) pairing.
type AppSession struct {
	ID          int64
	BundleID    string
	StartDate   int64
	EndDate     *int64 // nil while active
	WindowName  string
	BrowserURL  string
	Type        string
	Source      Source
}

// Rect is a normalized bounding rectangle, all components in [0,1].
type Rect struct {
	X, Y, W, H float64
}

// OCRNode is one text region detected on a frame.
type OCRNode struct {
	ID         int64
	FrameID    int64
	NodeOrder  int
	TextOffset int
	TextLength int
	Bounds     Rect
}

// IndexedDocument is the searchable text body for one frame.
type IndexedDocument struct {
	FrameID    int64
	CreatedAt  int64
	Content    string // fullText
	ChromeText string // auxiliary FTS column
	AppName    string
	WindowName string
	URL        string
}
