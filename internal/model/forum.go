package model

import "sort"

type Forum struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Desc string `json:"desc"`
}

// Forums is the fixed forum set.
var Forums = []Forum{
	{ID: "general", Name: "general", Desc: "General discussion"},
	{ID: "tech", Name: "tech", Desc: "Technology & coding"},
	{ID: "random", Name: "random", Desc: "Anything goes here"},
}

func FindForum(id string) (Forum, bool) {
	for _, f := range Forums {
		if f.ID == id {
			return f, true
		}
	}
	return Forum{}, false
}

type Comment struct {
	Key       string `json:"-"`
	Author    string `json:"author"`
	AuthorID  string `json:"authorId,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type Thread struct {
	ID        string             `json:"-"`
	ForumID   string             `json:"forumId"`
	Title     string             `json:"title"`
	Content   string             `json:"content"`
	Author    string             `json:"author"`
	AuthorID  string             `json:"authorId,omitempty"`
	ImageURL  string             `json:"imageUrl,omitempty"`
	Video     string             `json:"video,omitempty"`
	Timestamp int64              `json:"timestamp"`
	Comments  map[string]Comment `json:"comments,omitempty"`
}

// SortedComments returns the comments oldest first.
func (t Thread) SortedComments() []Comment {
	out := make([]Comment, 0, len(t.Comments))
	for k, c := range t.Comments {
		c.Key = k
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Summary trims content for list views.
func (t Thread) Summary(n int) string {
	r := []rune(t.Content)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return t.Content
}
