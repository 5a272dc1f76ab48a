package db

import "time"

// Feed status values.
const (
	FeedActive   = "active"
	FeedPaused   = "paused"
	FeedDisabled = "disabled"
)

// RawArticle status values.
const (
	ArticlePending    = "pending"
	ArticleProcessing = "processing"
	ArticleProcessed  = "processed"
	ArticleDuplicate  = "duplicate"
	ArticleRejected   = "rejected"
	ArticleFailed     = "failed"
)

// Batch status values.
const (
	BatchCreated    = "created"
	BatchPlanning   = "planning"
	BatchReady      = "ready"
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchCancelled  = "cancelled"
)

// Batch priority values, ordered from most to least urgent.
const (
	PriorityCritical   = "critical"
	PriorityHigh       = "high"
	PriorityNormal     = "normal"
	PriorityLow        = "low"
	PriorityBackground = "background"
)

// Feed is a registered RSS source. daily_processed is monotonic within a
// UTC day and reset by the maintenance job.
type Feed struct {
	ID                  int64     `gorm:"primaryKey;column:id"`
	Domain              string    `gorm:"column:domain"`
	TrustScore          float64   `gorm:"column:trust_score"`
	HealthScore         float64   `gorm:"column:health_score"`
	DailyQuota          int       `gorm:"column:daily_quota"`
	DailyProcessed      int       `gorm:"column:daily_processed"`
	ErrorRate24h        float64   `gorm:"column:error_rate_24h"`
	DuplicateRate24h    float64   `gorm:"column:duplicate_rate_24h"`
	ConsecutiveFailures int       `gorm:"column:consecutive_failures"`
	AvgResponseMs       float64   `gorm:"column:avg_response_ms"`
	Status              string    `gorm:"column:status"`
	Blacklisted         bool      `gorm:"column:blacklisted"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

// TableName maps the model onto the feeds table.
func (Feed) TableName() string { return "feeds" }

// QuotaExhausted reports whether the feed has used up its daily quota.
// A quota of zero means unlimited.
func (f *Feed) QuotaExhausted() bool {
	return f.DailyQuota > 0 && f.DailyProcessed >= f.DailyQuota
}

// QuotaRemaining returns how many articles the feed may still process
// today, or -1 for unlimited.
func (f *Feed) QuotaRemaining() int {
	if f.DailyQuota <= 0 {
		return -1
	}
	rem := f.DailyQuota - f.DailyProcessed
	if rem < 0 {
		return 0
	}
	return rem
}

// RawArticle is an ingested article moving through the pipeline. While
// status is processing the row is leased: lock_owner is set and
// lock_expires_at is in the future.
type RawArticle struct {
	ID             int64
	FeedID         int64
	Domain         string
	URL            string
	URLHash        string
	TextHash       string
	CanonicalURL   string
	Title          string
	Description    string
	Content        string
	CleanText      string
	Authors        []string
	PublishedAtRaw string
	PublishedAt    *time.Time
	LanguageRaw    string
	Language       string
	LanguageConf   float64
	Category       string
	QualityScore   float64
	QualityFlags   []string
	Keywords       []string
	WordCount      int
	CharCount      int
	Readability    float64
	FetchedAt      time.Time
	RetryCount     int
	Status         string
	BatchID        *string
	LockOwner      *string
	LockAcquiredAt *time.Time
	LockExpiresAt  *time.Time
	IdempotencyKey string

	// Attached by stage 1 for downstream scoring.
	FeedTrust  float64
	FeedHealth float64

	// Set by stage 5 for stages 6..8.
	ArticleID string

	// Rejection bookkeeping, written back on terminal transitions.
	RejectReason  string
	DupOriginalID string
	DupSimilarity float64
	ErrorLog      []string
}

// Leased reports whether the article currently holds a live lease.
func (a *RawArticle) Leased(now time.Time) bool {
	return a.LockOwner != nil && a.LockExpiresAt != nil && a.LockExpiresAt.After(now)
}

// Batch is an atomically-claimed set of articles processed by one worker.
type Batch struct {
	BatchID             string
	WorkerID            string
	CorrelationID       string
	Priority            string
	Status              string
	CurrentStage        int
	ArticlesTotal       int
	ArticlesSuccessful  int
	ArticlesFailed      int
	ArticlesSkipped     int
	ConfigHash          string
	ProcessingConfig    map[string]interface{}
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	EstimatedCompletion *time.Time
	ProcessingTimeMs    int64
	LastError           string
}

// ArticleIndexRow is the stage 5 output record.
type ArticleIndexRow struct {
	ArticleID          string
	RawArticleID       int64
	FeedID             int64
	CanonicalURL       string
	URLHash            string
	TextHash           string
	TitleNorm          string
	CleanText          string
	Language           string
	LanguageConfidence float64
	Category           string
	QualityScore       float64
	QualityFlags       []string
	IsDuplicate        bool
	DupReason          string
	DupOriginalID      string
	DupSimilarityScore float64
	ReadyForChunking   bool
	ChunkingCompleted  bool
	IndexingCompleted  bool
	ProcessingVersion  string
	PublishedAt        *time.Time
	Domain             string
	Title              string
	Tags               []string
	Keywords           []string
	UpdatedAt          time.Time
}

// Chunk semantic types.
const (
	ChunkIntro      = "intro"
	ChunkBody       = "body"
	ChunkConclusion = "conclusion"
	ChunkList       = "list"
	ChunkQuote      = "quote"
	ChunkCode       = "code"
)

// Chunk strategies.
const (
	StrategyParagraph     = "paragraph"
	StrategySlidingWindow = "sliding_window"
)

// Chunk is a contiguous segment of an article's clean text, unique on
// (article_id, chunk_index).
type Chunk struct {
	ArticleID       string
	ChunkIndex      int
	Text            string
	TextClean       string
	WordCount       int
	CharCount       int
	CharStart       int
	CharEnd         int
	SemanticType    string
	ImportanceScore float64
	ChunkStrategy   string

	// Denormalized article fields for search-side filtering.
	Title        string
	Domain       string
	PublishedAt  *time.Time
	Language     string
	Category     string
	QualityScore float64
}

// BatchDiagnostic is the per-stage diagnostic row keyed (batch_id, stage).
type BatchDiagnostic struct {
	BatchID      string
	Stage        string
	ArticlesIn   int
	ArticlesOut  int
	Rejected     int
	Errors       int
	SuccessRate  float64
	DurationMs   int64
	Details      map[string]interface{}
	RecordedAt   time.Time
}

// AlertEvent records a threshold breach raised by stage 8 or the
// backpressure monitor.
type AlertEvent struct {
	ID        uint      `gorm:"primaryKey"`
	Source    string    `gorm:"column:source"`
	Severity  string    `gorm:"column:severity"`
	Message   string    `gorm:"column:message"`
	BatchID   string    `gorm:"column:batch_id"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName maps the model onto the alert_events table.
func (AlertEvent) TableName() string { return "alert_events" }
