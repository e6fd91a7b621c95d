package channel

import "github.com/m-mizutani/goerr/v2"

var (
	ErrMissingToken  = goerr.New("channel token is required")
	ErrNotStarted    = goerr.New("channel not started")
	ErrInvalidChatID = goerr.New("invalid chat id")
	ErrSend          = goerr.New("send message failed")
)
