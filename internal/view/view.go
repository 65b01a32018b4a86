// Package view owns the application's navigation state: which screen is active, which channel
// is focused, and the subscriptions that exist only while that screen is visible.
package view

import (
	"fmt"

	"github.com/deepforums/internal/chat"
	"github.com/deepforums/internal/forum"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/profile"
)

type Kind int

const (
	ForumList Kind = iota
	ForumThreads
	Thread
	GlobalChat
	DMList
	DMConvo
	Profile
)

func (k Kind) String() string {
	switch k {
	case ForumList:
		return "forums"
	case ForumThreads:
		return "forum"
	case Thread:
		return "thread"
	case GlobalChat:
		return "global"
	case DMList:
		return "dms"
	case DMConvo:
		return "dm"
	case Profile:
		return "profile"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// View is one of the mutually exclusive screens. Only the fields of its Kind are set.
type View struct {
	Kind     Kind
	ForumID  string
	ThreadID string
	// OtherID is the other participant of a DMConvo.
	OtherID string
	// UserID is the stable id shown by a Profile view.
	UserID string
}

func ForumListView() View                  { return View{Kind: ForumList} }
func ForumThreadsView(forumID string) View { return View{Kind: ForumThreads, ForumID: forumID} }
func ThreadView(forumID, threadID string) View {
	return View{Kind: Thread, ForumID: forumID, ThreadID: threadID}
}
func GlobalChatView() View            { return View{Kind: GlobalChat} }
func DMListView() View                { return View{Kind: DMList} }
func DMConvoView(otherID string) View { return View{Kind: DMConvo, OtherID: otherID} }
func ProfileView(userID string) View  { return View{Kind: Profile, UserID: userID} }

func (v View) String() string {
	switch v.Kind {
	case ForumThreads:
		return "forum/" + v.ForumID
	case Thread:
		return "thread/" + v.ForumID + "/" + v.ThreadID
	case DMConvo:
		return "dm/" + v.OtherID
	case Profile:
		return "profile/" + v.UserID
	}
	return v.Kind.String()
}

// Renderer draws what the controller decides. Calls may come from store callback goroutines and
// never while the controller holds its lock.
type Renderer interface {
	ShowView(v View)
	ShowForums(counts []forum.Count)
	ShowThreads(f model.Forum, threads []model.Thread)
	ShowThread(t model.Thread, comments []model.Comment)
	// ShowMessage draws one chat message; author is the live directory name.
	ShowMessage(channel string, m model.Message, author string)
	// RenameAuthor redraws every label already drawn for stableID.
	RenameAuthor(stableID, name string)
	ShowOnline(names []string)
	ShowBadge(class model.ChannelClass, count int)
	ShowConversations(convos []chat.Conversation)
	ShowProfile(p profile.View)
	ShowError(err error)
}
