// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stanza

// IQ commands.
const (
	CmdAuth             = "auth"
	CmdCreateUser       = "user.create"
	CmdUnregisterDevice = "dev.unregister"
	CmdQueryState       = "msg.query"
	CmdPublish          = "topic.publish"
	CmdSubscribe        = "topic.subscribe"
	CmdUnsubscribe      = "topic.unsubscribe"
)

// Account creation modes.
const (
	CreateModeGuest   = "GUEST"
	CreateModeUpgrade = "UPGRADE_USER"
)

// AuthRequest is the body of an auth IQ.
type AuthRequest struct {
	Node     string `json:"node"`
	Password string `json:"password"`
	Resource string `json:"resource"`
}

// AuthResult is returned on successful authentication.
type AuthResult struct {
	JID string `json:"jid"`
}

// CreateUser is the body of an account creation IQ.
type CreateUser struct {
	AppID       string `json:"appId"`
	APIKey      string `json:"apiKey"`
	UserID      string `json:"userId"`
	Password    string `json:"password"`
	Mode        string `json:"createMode,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	GuestSecret string `json:"guestSecret,omitempty"`
}

// UnregisterDevice is the body of a device removal IQ.
type UnregisterDevice struct {
	DeviceID string `json:"devId"`
}

// StateQuery asks the server for delivery states.
type StateQuery struct {
	IDs []string `json:"ids"`
}

// RecipientState is one per-recipient entry of a StateReport.
type RecipientState struct {
	Recipient string `json:"recipient"`
	State     string `json:"state"`
}

// StateReport maps message ids to per-recipient states.
type StateReport map[string][]RecipientState

// TopicRequest is the body of a subscribe or unsubscribe IQ. Topic is a
// canonical path.
type TopicRequest struct {
	Topic string `json:"topic"`
}

// Publish is the body of a publish IQ.
type Publish struct {
	Topic   string            `json:"topic"`
	ItemID  string            `json:"itemId"`
	MType   string            `json:"mtype,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PublishResult reports how many subscribers an item reached.
type PublishResult struct {
	ItemID      string `json:"itemId"`
	Subscribers int    `json:"subscribers"`
}
