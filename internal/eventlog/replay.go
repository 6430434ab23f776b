package eventlog

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/pb"
)

// Replay folds an aggregate's events into a read-model state. It applies the
// same transitions as the SQL projections, so for any committed history the
// result matches the stored auth_request_state row field for field (apart
// from wall-clock timestamps, which replay takes from the event payloads).
func Replay(events []Event) (*AuthRequestState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("cannot replay empty history")
	}
	if events[0].EventType != TypeAuthRequestCreated {
		return nil, fmt.Errorf("history must start with %s, got %s", TypeAuthRequestCreated, events[0].EventType)
	}

	var st *AuthRequestState
	for i := range events {
		e := &events[i]
		next, err := apply(st, e)
		if err != nil {
			return nil, fmt.Errorf("replay event %d (%s): %w", e.SequenceNumber, e.EventType, err)
		}
		st = next
	}
	return st, nil
}

func apply(st *AuthRequestState, e *Event) (*AuthRequestState, error) {
	switch e.EventType {
	case TypeAuthRequestCreated:
		var ev pb.AuthRequestCreated
		if err := ev.Unmarshal(e.EventData); err != nil {
			return nil, err
		}
		restaurantID, err := uuid.Parse(ev.RestaurantID)
		if err != nil {
			return nil, fmt.Errorf("invalid restaurant id: %w", err)
		}
		created := unixOr(ev.CreatedAt, e.CreatedAt)
		return &AuthRequestState{
			AuthRequestID:     e.AggregateID,
			RestaurantID:      restaurantID,
			PaymentToken:      ev.PaymentToken,
			Status:            StatusPending,
			AmountCents:       ev.AmountCents,
			Currency:          ev.Currency,
			Metadata:          ev.Metadata,
			CreatedAt:         created,
			UpdatedAt:         created,
			LastEventSequence: e.SequenceNumber,
		}, nil

	case TypeAuthAttemptStarted:
		st.Status = StatusProcessing
		st.LastEventSequence = e.SequenceNumber
		st.UpdatedAt = e.CreatedAt
		return st, nil

	case TypeAuthResponseReceived:
		var ev pb.AuthResponseReceived
		if err := ev.Unmarshal(e.EventData); err != nil {
			return nil, err
		}
		at := unixOr(ev.RespondedAt, e.CreatedAt)
		switch ev.Status {
		case pb.AuthStatusAuthorized:
			if st.VoidRequested {
				st.Status = StatusVoided
			} else {
				st.Status = StatusAuthorized
			}
			st.ProcessorAuthID = ev.ProcessorAuthID
			st.ProcessorName = ev.ProcessorName
			st.AuthorizedAmountCents = ev.AuthorizedAmountCents
			st.AuthorizationCode = ev.AuthorizationCode
		case pb.AuthStatusDenied:
			st.Status = StatusDenied
			st.ProcessorName = ev.ProcessorName
			st.DenialCode = ev.DenialCode
			st.DenialReason = ev.DenialReason
		default:
			return nil, fmt.Errorf("response with status %s", ev.Status)
		}
		st.CompletedAt = &at
		st.UpdatedAt = at
		st.LastEventSequence = e.SequenceNumber
		return st, nil

	case TypeAuthAttemptFailed:
		var ev pb.AuthAttemptFailed
		if err := ev.Unmarshal(e.EventData); err != nil {
			return nil, err
		}
		at := unixOr(ev.FailedAt, e.CreatedAt)
		if !ev.IsRetryable {
			st.Status = StatusFailed
			st.ErrorCode = ev.ErrorCode
			st.ErrorMessage = ev.ErrorMessage
			st.CompletedAt = &at
		}
		st.UpdatedAt = at
		st.LastEventSequence = e.SequenceNumber
		return st, nil

	case TypeAuthVoidRequested:
		st.VoidRequested = true
		if st.Status == StatusAuthorized {
			st.Status = StatusVoided
		}
		st.UpdatedAt = e.CreatedAt
		st.LastEventSequence = e.SequenceNumber
		return st, nil

	case TypeAuthRequestExpired:
		var ev pb.AuthRequestExpired
		if err := ev.Unmarshal(e.EventData); err != nil {
			return nil, err
		}
		at := unixOr(ev.ExpiredAt, e.CreatedAt)
		st.Status = StatusExpired
		st.CompletedAt = &at
		st.UpdatedAt = at
		st.LastEventSequence = e.SequenceNumber
		return st, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", e.EventType)
	}
}

func unixOr(sec int64, fallback time.Time) time.Time {
	if sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	return fallback
}
