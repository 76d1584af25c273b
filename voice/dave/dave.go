// Package dave drives the voice gateway's group encryption handshake. The MLS
// group itself is an opaque Engine; this package only moves its bytes between
// the gateway and the engine and decides when the transport key changes.
package dave

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/diamondburned/arikawa-voice/utils/ws"
	"github.com/diamondburned/arikawa-voice/voice/voicegateway"
)

// Engine is the MLS group state. Every byte slice it takes or returns is an
// opaque protocol message.
type Engine interface {
	// Reset drops the group and prepares a fresh key package.
	Reset(protocolVersion int) error
	SetExternalSender(externalSender []byte) error
	KeyPackage() ([]byte, error)
	// ProcessProposals returns the commit, optionally followed by a welcome,
	// to send back. It returns nil if there is nothing to commit.
	ProcessProposals(proposals []byte) ([]byte, error)
	ProcessCommit(commit []byte) error
	ProcessWelcome(welcome []byte) error
	// EpochKey returns the transport key of the current epoch.
	EpochKey() (epoch uint64, key []byte, err error)
}

// Sender sends a command over the voice gateway. *voicegateway.Gateway
// implements it.
type Sender interface {
	Send(ctx context.Context, cmd ws.Event) error
}

var _ Sender = (*voicegateway.Gateway)(nil)

// Policy decides what happens when a transition cannot be processed.
type Policy uint8

const (
	// PolicyRetry asks the server to re-add us with a fresh key package, up to
	// Opts.MaxRetries times in a row.
	PolicyRetry Policy = iota
	// PolicyTerminate fails the session on the first failed transition.
	PolicyTerminate
)

// TransitionError is returned by Handle when a transition failed and the
// policy does not allow another attempt.
type TransitionError struct {
	TransitionID uint16
	Err          error
}

func (err *TransitionError) Error() string {
	return fmt.Sprintf("group transition %d failed: %v", err.TransitionID, err.Err)
}

func (err *TransitionError) Unwrap() error { return err.Err }

// Opts configures an Extension.
type Opts struct {
	Policy     Policy
	MaxRetries int
	// OnRekey is called with the epoch key once a transition executes.
	OnRekey func(epoch uint64, key []byte) error
	// OnDowngrade is called once a transition to protocol version 0 executes.
	OnDowngrade func()
	Logger      logrus.FieldLogger
}

// DefaultMaxRetries is used when Opts.MaxRetries is zero.
const DefaultMaxRetries = 3

type pending struct {
	protocolVersion int
}

// Extension reacts to the group encryption ops of one voice session. It is
// not safe for concurrent use; feed it from the goroutine reading the
// gateway.
type Extension struct {
	engine Engine
	sender Sender
	opts   Opts

	version int
	pending map[uint16]pending
	retries int
}

// New creates an Extension for a session that negotiated protocolVersion in
// its session description. Zero means group encryption is off until the
// server prepares a transition.
func New(engine Engine, sender Sender, protocolVersion int, opts Opts) *Extension {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.OnRekey == nil {
		opts.OnRekey = func(uint64, []byte) error { return nil }
	}
	if opts.OnDowngrade == nil {
		opts.OnDowngrade = func() {}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Extension{
		engine:  engine,
		sender:  sender,
		opts:    opts,
		version: protocolVersion,
		pending: make(map[uint16]pending),
	}
}

// ProtocolVersion returns the active protocol version.
func (e *Extension) ProtocolVersion() int { return e.version }

// Handle processes one gateway op. Ops unrelated to group encryption are
// ignored. A *TransitionError means the session must not continue; any other
// error is a failed send.
func (e *Extension) Handle(ctx context.Context, op ws.Op) error {
	switch data := op.Data.(type) {
	case *voicegateway.MLSExternalSenderEvent:
		if err := e.engine.SetExternalSender(data.ExternalSender); err != nil {
			return e.fail(ctx, 0, errors.Wrap(err, "failed to set external sender"))
		}
		return e.sendKeyPackage(ctx)

	case *voicegateway.MLSProposalsEvent:
		commit, err := e.engine.ProcessProposals(data.Proposals)
		if err != nil {
			return e.fail(ctx, 0, errors.Wrap(err, "failed to process proposals"))
		}
		if commit == nil {
			return nil
		}
		return e.sender.Send(ctx, &voicegateway.MLSCommitWelcomeCommand{
			CommitWelcome: commit,
		})

	case *voicegateway.MLSAnnounceCommitEvent:
		if err := e.engine.ProcessCommit(data.Commit); err != nil {
			return e.fail(ctx, data.TransitionID, errors.Wrap(err, "failed to process commit"))
		}
		return e.prepare(ctx, data.TransitionID, e.groupVersion())

	case *voicegateway.MLSWelcomeEvent:
		if err := e.engine.ProcessWelcome(data.Welcome); err != nil {
			return e.fail(ctx, data.TransitionID, errors.Wrap(err, "failed to process welcome"))
		}
		return e.prepare(ctx, data.TransitionID, e.groupVersion())

	case *voicegateway.PrepareTransitionEvent:
		return e.prepare(ctx, data.TransitionID, data.ProtocolVersion)

	case *voicegateway.ExecuteTransitionEvent:
		p, ok := e.pending[data.TransitionID]
		if !ok {
			e.opts.Logger.WithField("transition", data.TransitionID).
				Debug("ignoring execute for unknown transition")
			return nil
		}
		delete(e.pending, data.TransitionID)
		return e.execute(ctx, data.TransitionID, p)

	case *voicegateway.PrepareEpochEvent:
		// Epoch 1 means the group is being created anew.
		if data.Epoch != 1 {
			return nil
		}
		e.version = data.ProtocolVersion
		if err := e.engine.Reset(data.ProtocolVersion); err != nil {
			return e.fail(ctx, 0, errors.Wrap(err, "failed to reset group"))
		}
		return e.sendKeyPackage(ctx)
	}

	return nil
}

// groupVersion is the version a commit or welcome transitions to. A session
// that started without group encryption upgrades to version 1.
func (e *Extension) groupVersion() int {
	if e.version == 0 {
		return 1
	}
	return e.version
}

// prepare records a transition and acknowledges it. Transition 0 is executed
// right away without acknowledgement.
func (e *Extension) prepare(ctx context.Context, id uint16, version int) error {
	p := pending{protocolVersion: version}

	if id == 0 {
		return e.execute(ctx, id, p)
	}

	e.pending[id] = p

	return e.sender.Send(ctx, &voicegateway.TransitionReadyCommand{TransitionID: id})
}

func (e *Extension) execute(ctx context.Context, id uint16, p pending) error {
	e.version = p.protocolVersion

	if p.protocolVersion == 0 {
		e.opts.Logger.WithField("transition", id).Info("group encryption downgraded")
		e.opts.OnDowngrade()
		return nil
	}

	epoch, key, err := e.engine.EpochKey()
	if err == nil {
		err = e.opts.OnRekey(epoch, key)
	}
	if err != nil {
		return e.fail(ctx, id, errors.Wrap(err, "failed to apply epoch key"))
	}

	e.retries = 0
	e.opts.Logger.WithFields(logrus.Fields{
		"transition": id,
		"epoch":      epoch,
	}).Debug("group epoch executed")

	return nil
}

// fail applies the failure policy. Under PolicyRetry the server is asked to
// re-add us and a fresh key package is sent.
func (e *Extension) fail(ctx context.Context, id uint16, err error) error {
	e.retries++

	if e.opts.Policy == PolicyTerminate || e.retries > e.opts.MaxRetries {
		return &TransitionError{TransitionID: id, Err: err}
	}

	e.opts.Logger.WithError(err).WithFields(logrus.Fields{
		"transition": id,
		"attempt":    e.retries,
	}).Warn("retrying group transition")

	if err := e.sender.Send(ctx, &voicegateway.MLSInvalidCommitWelcomeCommand{
		TransitionID: id,
	}); err != nil {
		return err
	}

	if err := e.engine.Reset(e.groupVersion()); err != nil {
		return &TransitionError{TransitionID: id, Err: errors.Wrap(err, "failed to reset group")}
	}

	return e.sendKeyPackage(ctx)
}

func (e *Extension) sendKeyPackage(ctx context.Context) error {
	pkg, err := e.engine.KeyPackage()
	if err != nil {
		return &TransitionError{Err: errors.Wrap(err, "failed to create key package")}
	}

	return e.sender.Send(ctx, &voicegateway.MLSKeyPackageCommand{KeyPackage: pkg})
}
