package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "My Topic")
	require.NoError(t, err)
	assert.Len(t, conv.ID, 24)
	assert.Equal(t, "My Topic", conv.Title)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "My Topic", got.Title)

	_, err = store.GetConversation(ctx, "missing-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConversationDefaultTitle(t *testing.T) {
	store := openTestStore(t)

	conv, err := store.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conv.Title, "Conversation "), "empty title gets a timestamp placeholder")
}

func TestAddMessageAutoTitle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, conv.ID, "user", "what is the weather in Taipei?", nil)
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "what is the weather in Taipei?", got.Title, "first user message becomes the title")

	// Subsequent user messages must not retitle
	_, err = store.AddMessage(ctx, conv.ID, "user", "and tomorrow?", nil)
	require.NoError(t, err)

	got, err = store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "what is the weather in Taipei?", got.Title)
}

func TestAddMessageAutoTitleTruncation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	long := strings.Repeat("q", 400)
	_, err = store.AddMessage(ctx, conv.ID, "user", long, nil)
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Title, 255)
}

func TestUpdateTitleTruncatesOnRunes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	// 每個字三個 byte；截斷必須落在字的邊界上
	long := strings.Repeat("語", 300)
	require.NoError(t, store.UpdateTitle(ctx, conv.ID, long))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	runes := []rune(got.Title)
	assert.Len(t, runes, 255)
	for _, r := range runes {
		assert.Equal(t, '語', r)
	}
}

func TestUpdateTitleUnknownConversation(t *testing.T) {
	store := openTestStore(t)

	err := store.UpdateTitle(context.Background(), "no-such-id", "anything")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMessageExplicitTitleKept(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "Pinned Title")
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, conv.ID, "user", "hello", nil)
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pinned Title", got.Title)
}

func TestMessagesChronologicalWithLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "t")
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four", "five"}
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		_, err := store.AddMessage(ctx, conv.ID, role, c, nil)
		require.NoError(t, err)
	}

	all, err := store.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, contents[i], m.Content, "messages must come back oldest first")
	}

	recent, err := store.Messages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "four", recent[0].Content, "limit keeps the most recent messages, still chronological")
	assert.Equal(t, "five", recent[1].Content)
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "t")
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, conv.ID, "assistant", "answer", map[string]any{"search_used": true})
	require.NoError(t, err)

	msgs, err := store.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, true, msgs[0].Metadata["search_used"])
}

func TestHistoryChatFormat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "t")
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, conv.ID, "user", "hi", nil)
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, conv.ID, "assistant", "hello!", nil)
	require.NoError(t, err)

	history, err := store.History(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hi", history[0].GetTextContent())
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "hello!", history[1].GetTextContent())
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "t")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, conv.ID, "user", "hi", nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))

	_, err = store.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := store.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, store.DeleteConversation(ctx, conv.ID), ErrNotFound)
}

func TestClearAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conv, err := store.CreateConversation(ctx, "t")
		require.NoError(t, err)
		_, err = store.AddMessage(ctx, conv.ID, "user", "hi", nil)
		require.NoError(t, err)
	}

	count, err := store.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	convs, err := store.ListConversations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestExportJSON(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "Export Me")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, conv.ID, "user", "question", nil)
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, conv.ID, "assistant", "reply", map[string]any{"search_used": false})
	require.NoError(t, err)

	data, err := store.ExportJSON(ctx, conv.ID)
	require.NoError(t, err)

	var export Export
	require.NoError(t, json.Unmarshal(data, &export))
	assert.Equal(t, "Export Me", export.Session.Title)
	require.Len(t, export.Messages, 2)
	assert.Equal(t, "question", export.Messages[0].Content)
}

func TestExportMarkdown(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "Notes")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, conv.ID, "user", "question", nil)
	require.NoError(t, err)

	md, err := store.ExportMarkdown(ctx, conv.ID)
	require.NoError(t, err)
	assert.Contains(t, string(md), "Notes")
	assert.Contains(t, string(md), "question")
}
