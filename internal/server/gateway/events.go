package gateway

import "github.com/chakresh/securechat/internal/server/messages"

// Event names. Inbound events are requests from a connection; outbound
// events are published notifications.
const (
	// inbound
	evtSendMessage  = "sendMessage"
	evtMarkRead     = "markRead"
	evtCapabilities = "capabilities"
	evtJoinGroup    = "joinGroup"
	evtLeaveGroup   = "leaveGroup"
	evtHistory      = "history"
	evtFileUpload   = "fileUpload"
	evtFileDownload = "fileDownload"

	// outbound
	evtMessage      = "message"
	evtErrorSending = "errorSending"
	evtMessagesRead = "messagesRead"
	evtOnlineUsers  = "onlineUsers"
)

type markReadRequest struct {
	OtherID string `json:"otherId"`
	GroupID string `json:"groupId"`
}

type groupRequest struct {
	GroupID string `json:"groupId"`
}

type historyRequest struct {
	OtherID string `json:"otherId"`
	GroupID string `json:"groupId"`
	Limit   int    `json:"limit"`
}

type historyResponse struct {
	OtherID  string              `json:"otherId,omitempty"`
	GroupID  string              `json:"groupId,omitempty"`
	Messages []*messages.Message `json:"messages"`
}

type fileUploadResponse struct {
	FileID string `json:"fileId,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

type fileDownloadRequest struct {
	FileID string `json:"fileId"`
}
