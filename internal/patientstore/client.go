package patientstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

// Client reads patient data through the bus.
type Client struct {
	bus *bus.Client
}

func NewClient(busClient *bus.Client) *Client {
	return &Client{bus: busClient}
}

// Fetch returns the record for patientID or an error wrapping ErrNotFound.
func (c *Client) Fetch(ctx context.Context, patientID string) (profile.PatientRecord, error) {
	var reply protocol.ProfileReply
	if err := c.bus.RequestJSON(ctx, protocol.SubjectPatientProfileGet, protocol.ProfileRequest{PatientID: patientID}, &reply); err != nil {
		return profile.PatientRecord{}, err
	}
	if err := replyError(reply.Reply, patientID); err != nil {
		return profile.PatientRecord{}, err
	}
	if reply.Record == nil {
		return profile.PatientRecord{}, fmt.Errorf("patient %s: empty reply", patientID)
	}
	return *reply.Record, nil
}

// Window returns the trailing tracking window for patientID.
func (c *Client) Window(ctx context.Context, patientID string, days int) (profile.TrackingWindow, error) {
	var reply protocol.WindowReply
	req := protocol.WindowRequest{PatientID: patientID, Days: days}
	if err := c.bus.RequestJSON(ctx, protocol.SubjectPatientWindow, req, &reply); err != nil {
		return profile.TrackingWindow{}, err
	}
	if err := replyError(reply.Reply, patientID); err != nil {
		return profile.TrackingWindow{}, err
	}
	return reply.Window, nil
}

// LogMood records a mood and returns the new entry id.
func (c *Client) LogMood(ctx context.Context, req protocol.MoodLog) (string, error) {
	var reply protocol.Reply
	if err := c.bus.RequestJSON(ctx, protocol.SubjectPatientMoodLog, req, &reply); err != nil {
		return "", err
	}
	if err := replyError(reply, req.PatientID); err != nil {
		return "", err
	}
	return reply.ID, nil
}

// AddNote records a caregiver note and returns the new note id.
func (c *Client) AddNote(ctx context.Context, req protocol.NoteAdd) (string, error) {
	var reply protocol.Reply
	if err := c.bus.RequestJSON(ctx, protocol.SubjectPatientNoteAdd, req, &reply); err != nil {
		return "", err
	}
	if err := replyError(reply, req.PatientID); err != nil {
		return "", err
	}
	return reply.ID, nil
}

func replyError(reply protocol.Reply, patientID string) error {
	switch {
	case reply.NotFound:
		return fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
	case !reply.OK:
		msg := reply.Error
		if msg == "" {
			msg = "request failed"
		}
		return fmt.Errorf("patient %s: %w", patientID, errors.New(msg))
	}
	return nil
}
