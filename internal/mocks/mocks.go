package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"rental-chat/internal/messaging"
	"rental-chat/internal/models"
	"rental-chat/internal/uploads"
)

type ChatServiceMock struct {
	mock.Mock
}

func (m *ChatServiceMock) CreateOrGetChat(ctx context.Context, initiator, target models.ParticipantRef) (models.ChatView, error) {
	args := m.Called(ctx, initiator, target)
	var view models.ChatView
	if val := args.Get(0); val != nil {
		view = val.(models.ChatView)
	}
	return view, args.Error(1)
}

func (m *ChatServiceMock) ListChats(ctx context.Context, user models.ParticipantRef) ([]models.ChatView, error) {
	args := m.Called(ctx, user)
	var list []models.ChatView
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatView)
	}
	return list, args.Error(1)
}

func (m *ChatServiceMock) DeactivateChat(ctx context.Context, chatID int64, user models.ParticipantRef) error {
	args := m.Called(ctx, chatID, user)
	return args.Error(0)
}

func (m *ChatServiceMock) SendMessage(ctx context.Context, in messaging.SendInput) (models.Message, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) GetChatMessages(ctx context.Context, chatID int64, user models.ParticipantRef, page, limit int) (messaging.MessagePage, error) {
	args := m.Called(ctx, chatID, user, page, limit)
	var res messaging.MessagePage
	if val := args.Get(0); val != nil {
		res = val.(messaging.MessagePage)
	}
	return res, args.Error(1)
}

func (m *ChatServiceMock) MarkMessagesAsSeen(ctx context.Context, chatID int64, user models.ParticipantRef) (int64, error) {
	args := m.Called(ctx, chatID, user)
	return args.Get(0).(int64), args.Error(1)
}

func (m *ChatServiceMock) DeleteMessage(ctx context.Context, chatID, messageID int64, user models.ParticipantRef) error {
	args := m.Called(ctx, chatID, messageID, user)
	return args.Error(0)
}

type AttachmentStoreMock struct {
	mock.Mock
}

func (m *AttachmentStoreMock) Save(r io.ReadSeeker) (uploads.Stored, error) {
	args := m.Called(r)
	var stored uploads.Stored
	if val := args.Get(0); val != nil {
		stored = val.(uploads.Stored)
	}
	return stored, args.Error(1)
}

func (m *AttachmentStoreMock) Remove(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

type DirectoryRepositoryMock struct {
	mock.Mock
}

func (m *DirectoryRepositoryMock) GetProfile(ctx context.Context, ref models.ParticipantRef) (models.Profile, error) {
	args := m.Called(ctx, ref)
	var p models.Profile
	if val := args.Get(0); val != nil {
		p = val.(models.Profile)
	}
	return p, args.Error(1)
}

func (m *DirectoryRepositoryMock) BulkProfiles(ctx context.Context, refs []models.ParticipantRef) (map[models.ParticipantRef]models.Profile, error) {
	args := m.Called(ctx, refs)
	var out map[models.ParticipantRef]models.Profile
	if val := args.Get(0); val != nil {
		out = val.(map[models.ParticipantRef]models.Profile)
	}
	return out, args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
