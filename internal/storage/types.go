package storage

import "time"

// ArchivedArticle is an archive row. Unlike board.Article it survives the
// article leaving the board: DeletedAt records when the watcher classified
// it gone.
type ArchivedArticle struct {
	Source      string     `json:"source"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Category    string     `json:"category,omitempty"`
	Writer      string     `json:"writer,omitempty"`
	MetricCount *int       `json:"metric_count,omitempty"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// ArticleFilter narrows ListArticles. Zero values mean "any".
type ArticleFilter struct {
	Source         string
	ID             string
	Category       string
	Writer         string
	TitleContains  string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f ArticleFilter) withDefaults() ArticleFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
