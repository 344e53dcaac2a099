package domain

import (
	"time"
)

// CallType represents the media profile of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether the call type is one of the supported profiles
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus represents the lifecycle state of a call invitation
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
	CallStatusMissed   CallStatus = "missed"
)

// CanTransition reports whether a status transition is permitted.
// Only ringing -> {accepted, rejected, missed, ended} and accepted -> ended
// are valid; terminal statuses never transition.
func (s CallStatus) CanTransition(to CallStatus) bool {
	switch s {
	case CallStatusRinging:
		return to == CallStatusAccepted || to == CallStatusRejected ||
			to == CallStatusMissed || to == CallStatusEnded
	case CallStatusAccepted:
		return to == CallStatusEnded
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded || s == CallStatusMissed
}

// SignalType represents the kind of a signaling message
type SignalType string

const (
	SignalTypeOffer  SignalType = "offer"
	SignalTypeAnswer SignalType = "answer"
	SignalTypeICE    SignalType = "ice-candidate"
	SignalTypeHangup SignalType = "hangup"
)

// CallInvitation is the persisted call record in the relay store
// (collection "calls", one document per call attempt)
type CallInvitation struct {
	CallID         string     `json:"callId" firestore:"callId"`
	CallerID       string     `json:"callerId" firestore:"callerId"`
	CallerName     string     `json:"callerName,omitempty" firestore:"callerName,omitempty"`
	CallerPhotoRef string     `json:"callerPhotoRef,omitempty" firestore:"callerPhotoRef,omitempty"`
	RecipientID    string     `json:"recipientId" firestore:"recipientId"`
	Type           CallType   `json:"type" firestore:"type"`
	Status         CallStatus `json:"status" firestore:"status"`
	EncryptionKey  string     `json:"encryptionKey,omitempty" firestore:"encryptionKey,omitempty"`
	Timestamp      time.Time  `json:"timestamp" firestore:"timestamp"`
	EndedAt        *time.Time `json:"endedAt,omitempty" firestore:"endedAt,omitempty"`
}

// CallSignal is an ephemeral signaling message in the relay store
// (collection "callSignals"); the recipient deletes it after processing so
// replays on reconnect are not reprocessed.
type CallSignal struct {
	CallID      string     `json:"callId" firestore:"callId"`
	SenderID    string     `json:"senderId" firestore:"senderId"`
	RecipientID string     `json:"recipientId" firestore:"recipientId"`
	Type        SignalType `json:"type" firestore:"type"`
	// Data carries the ciphertext of an SDP or ICE candidate. Encrypted is
	// false only when a candidate had to be sent before a key was cached, or
	// when delivery-side decryption was deferred because the key was absent.
	Data      string    `json:"data" firestore:"data"`
	Encrypted bool      `json:"encrypted" firestore:"encrypted"`
	Timestamp time.Time `json:"timestamp" firestore:"timestamp"`
}
