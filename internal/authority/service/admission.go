package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	auditdomain "session-authority/internal/audit/domain"
	authoritydomain "session-authority/internal/authority/domain"
	"session-authority/internal/geo"
	"session-authority/internal/policy/engine"
	sessiondomain "session-authority/internal/session/domain"
	telemetrydomain "session-authority/internal/telemetry/domain"
)

// Admit decides whether the device in req may hold a session for req.User. On success the device is
// either attached to its existing active session or given a new one. The named failures are
// ErrDeviceBlocked, ErrSessionRevoked and *DeviceLimitError; any other error is an internal failure
// to read the session store.
func (s *Service) Admit(ctx context.Context, req authoritydomain.AdmitRequest) (*authoritydomain.Admission, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "authority.Admit", trace.WithAttributes(
		attribute.String("user.id", req.User.UID),
		attribute.String("device.id", req.Device.DeviceID),
		attribute.Bool("admit.auto_check", req.AutoCheck),
	))
	defer span.End()

	adm, err := s.admit(ctx, req)
	result := admissionResult(adm, err)
	s.metrics.admission(ctx, result, time.Since(start))
	span.SetAttributes(attribute.String("admit.result", result))
	if err != nil && result == "error" {
		span.SetStatus(codes.Error, err.Error())
	}
	return adm, err
}

func admissionResult(adm *authoritydomain.Admission, err error) string {
	switch {
	case err == nil && adm != nil:
		return string(adm.Outcome)
	case errors.Is(err, ErrDeviceBlocked):
		return "blocked_device"
	case errors.Is(err, ErrSessionRevoked):
		return "revoked_detected"
	case errors.Is(err, ErrDeviceLimit):
		return "limit_exceeded"
	default:
		return "error"
	}
}

func (s *Service) admit(ctx context.Context, req authoritydomain.AdmitRequest) (*authoritydomain.Admission, error) {
	userID, deviceID := req.User.UID, req.Device.DeviceID
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "device_id": deviceID})

	res := s.geo.Resolve(ctx, req.ClientIP)
	if res.Err != nil {
		log.WithError(res.Err).Warn("authority: geo lookup degraded")
	}
	loc := res.OrUnknown()

	if err := s.checkDevice(ctx, req, loc); err != nil {
		if errors.Is(err, ErrDeviceBlocked) {
			log.WithError(err).Info("authority: blocked device refused")
			s.auditEvent(ctx, userID, auditdomain.ActionAdmitBlocked, auditdomain.ResourceDevice, map[string]any{"device_id": deviceID, "error": err.Error()})
			s.emit(ctx, telemetrydomain.EventSessionBlocked, userID, deviceID, "", map[string]any{"reason": err.Error()})
		}
		return nil, err
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, userID)
		if err != nil {
			log.WithError(err).Warn("authority: admission lock unavailable; continuing unserialized")
		} else {
			defer unlock()
		}
	}

	lineage, err := s.sessions.FindByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("find device sessions: %w", err)
	}
	if latest := sessiondomain.MostRecent(lineage, s.now()); latest != nil {
		if !latest.Revoked() {
			return s.attach(ctx, log, req, *latest, loc, false), nil
		}
		if req.AutoCheck {
			log.WithField("session_id", latest.ID).Info("authority: revoked session detected")
			s.emit(ctx, telemetrydomain.EventSessionRevoked, userID, deviceID, latest.ID, map[string]any{"detected_by": "auto_check"})
			return nil, ErrSessionRevoked
		}
	} else if rec := s.recoverByFingerprint(ctx, log, req); rec != nil {
		return s.attach(ctx, log, req, *rec, loc, true), nil
	}

	return s.admitNew(ctx, log, req, loc)
}

// checkDevice consults the blocked list and the device policy.
func (s *Service) checkDevice(ctx context.Context, req authoritydomain.AdmitRequest, loc geo.Info) error {
	listed, err := s.blocked.IsBlocked(ctx, req.Device.DeviceID)
	if err != nil {
		return fmt.Errorf("check blocked list: %w", err)
	}
	if s.policy == nil {
		if listed {
			return &BlockedError{Reasons: []string{"device is on the blocked list"}}
		}
		return nil
	}
	d, err := s.policy.EvaluateDevice(ctx, engine.DeviceInput{
		DeviceID:    req.Device.DeviceID,
		Fingerprint: req.Device.Fingerprint,
		Blocked:     listed,
		UserID:      req.User.UID,
		Email:       req.User.Email,
		IP:          loc.IP,
		Country:     loc.Country,
	})
	if err != nil {
		s.log.WithError(err).Warn("authority: device policy evaluation failed; using blocked list")
	}
	if d.Deny || listed {
		return &BlockedError{Reasons: d.Reasons}
	}
	return nil
}

// recoverByFingerprint finds an active session of the user whose fingerprint matches the device.
// When several records share the primary fingerprint, those that also match the recovery
// fingerprint win. Lookup failures are logged and treated as no match.
func (s *Service) recoverByFingerprint(ctx context.Context, log logrus.FieldLogger, req authoritydomain.AdmitRequest) *sessiondomain.Record {
	fp := req.Device.Fingerprint
	if fp == "" {
		return nil
	}
	active, err := s.sessions.FindActiveByUser(ctx, req.User.UID)
	if err != nil {
		log.WithError(err).Warn("authority: fingerprint recovery lookup failed")
		return nil
	}
	var matches, exact []sessiondomain.Record
	for _, r := range active {
		if r.DeviceFingerprint != fp {
			continue
		}
		matches = append(matches, r)
		if rfp := req.Device.RecoveryFingerprint; rfp != "" && r.RecoveryFingerprint == rfp {
			exact = append(exact, r)
		}
	}
	if len(exact) > 0 {
		return sessiondomain.MostRecent(exact, s.now())
	}
	return sessiondomain.MostRecent(matches, s.now())
}

// attach touches rec and refreshes its location. When recovered, the new device id is written onto
// the record so the next admission matches exactly.
func (s *Service) attach(ctx context.Context, log logrus.FieldLogger, req authoritydomain.AdmitRequest, rec sessiondomain.Record, loc geo.Info, recovered bool) *authoritydomain.Admission {
	patch := sessiondomain.Patch{
		TouchActive: true,
		IP:          sessiondomain.String(loc.IP),
		City:        sessiondomain.String(loc.City),
		Country:     sessiondomain.String(loc.Country),
		Region:      sessiondomain.String(loc.Region),
	}
	if rec.DeviceID != req.Device.DeviceID {
		patch.DeviceID = sessiondomain.String(req.Device.DeviceID)
	}
	if err := s.sessions.Update(ctx, rec.ID, patch); err != nil {
		log.WithError(err).WithField("session_id", rec.ID).Warn("authority: touch on attach failed")
	}
	rec.DeviceID = req.Device.DeviceID
	rec.IP, rec.City, rec.Country, rec.Region = loc.IP, loc.City, loc.Country, loc.Region
	rec.LastActive = sessiondomain.PendingTimestamp()

	if recovered {
		log.WithField("session_id", rec.ID).Info("authority: session recovered by fingerprint")
		s.auditEvent(ctx, req.User.UID, auditdomain.ActionRecover, auditdomain.ResourceSession, map[string]any{"session_id": rec.ID, "device_id": req.Device.DeviceID})
	}
	s.emit(ctx, telemetrydomain.EventSessionAttached, req.User.UID, req.Device.DeviceID, rec.ID,
		map[string]any{"recovered": recovered, "auto_check": req.AutoCheck})
	return &authoritydomain.Admission{
		Outcome:   authoritydomain.OutcomeAttachActive,
		Record:    rec,
		Recovered: recovered,
		Geo:       loc,
	}
}

// admitNew enforces the ceiling against the reconciled count and creates either an active session
// or a terminal blocked record.
func (s *Service) admitNew(ctx context.Context, log logrus.FieldLogger, req authoritydomain.AdmitRequest, loc geo.Info) (*authoritydomain.Admission, error) {
	userID := req.User.UID
	n, err := s.countActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.writeCounter(ctx, userID, n); err != nil {
		log.WithError(err).Warn("authority: reconcile write failed")
	}

	rec := sessiondomain.Record{
		UserID:              userID,
		Email:               req.User.Email,
		DisplayName:         req.User.DisplayName,
		DeviceID:            req.Device.DeviceID,
		DeviceFingerprint:   req.Device.Fingerprint,
		RecoveryFingerprint: req.Device.RecoveryFingerprint,
		IP:                  loc.IP,
		City:                loc.City,
		Country:             loc.Country,
		Region:              loc.Region,
		Metadata:            req.Device.Metadata,
		LoginTime:           sessiondomain.PendingTimestamp(),
		LastActive:          sessiondomain.PendingTimestamp(),
	}

	if n >= s.maxDevices {
		reason := fmt.Sprintf("device limit of %d reached with %d active sessions", s.maxDevices, n)
		rec.IsBlocked = true
		rec.BlockReason = reason
		rec.IsRedFlagSession = true
		limitErr := &DeviceLimitError{MaxDevices: s.maxDevices, ActiveSessions: n}
		if id, err := s.sessions.Create(ctx, &rec); err != nil {
			log.WithError(err).Warn("authority: blocked record write failed")
		} else {
			limitErr.RecordID = id
		}
		if err := s.accounts.MarkRedFlag(ctx, userID, reason); err != nil {
			log.WithError(err).Warn("authority: red flag write failed")
		}
		log.WithField("active_sessions", n).Warn("authority: device limit reached")
		s.auditEvent(ctx, userID, auditdomain.ActionAdmitLimit, auditdomain.ResourceSession, map[string]any{"device_id": req.Device.DeviceID, "active_sessions": n, "record_id": limitErr.RecordID})
		s.emit(ctx, telemetrydomain.EventSessionBlocked, userID, req.Device.DeviceID, limitErr.RecordID, map[string]any{"reason": reason})
		return nil, limitErr
	}

	rec.IsActive = true
	if _, err := s.sessions.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.accounts.IncrementActiveSessions(ctx, userID, 1); err != nil {
		log.WithError(err).Warn("authority: counter increment failed; next reconcile corrects it")
	}
	if err := s.accounts.RecordLogin(ctx, userID, req.User.Email, req.User.DisplayName, loc.IP); err != nil {
		log.WithError(err).Warn("authority: last login write failed")
	}
	log.WithField("session_id", rec.ID).Info("authority: session admitted")
	s.auditEvent(ctx, userID, auditdomain.ActionAdmit, auditdomain.ResourceSession, map[string]any{"session_id": rec.ID, "device_id": req.Device.DeviceID, "ip": loc.IP})
	s.emit(ctx, telemetrydomain.EventSessionAdmitted, userID, req.Device.DeviceID, rec.ID,
		map[string]any{"country": loc.Country, "active_sessions": n + 1})
	return &authoritydomain.Admission{
		Outcome:        authoritydomain.OutcomeAdmitted,
		Record:         rec,
		ActiveSessions: n,
		Geo:            loc,
	}, nil
}
