package client

import (
	"fmt"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/version"
	"github.com/sidkik/sup/pkg/wire"
)

// handshake runs signon, setup, crypt and login on a fresh connection.
func (m *Manager) handshake(sess *Session) error {
	steps := []struct {
		state State
		run   func(*Session) error
	}{
		{HandshakeSignon, m.signon},
		{HandshakeSetup, m.setup},
		{HandshakeCrypto, m.crypt},
		{HandshakeLogin, m.login},
	}

	for _, step := range steps {
		m.setState(step.state)
		if err := step.run(sess); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) signon(sess *Session) error {
	ch := sess.ch
	if err := ch.Handshake(true); err != nil {
		return errors.WithContext(err, "handshake")
	}

	err := proto.Send(ch, &proto.Signon{
		Protocol: version.Protocol,
		Version:  version.Program(),
		Hostname: m.target.Hostname,
	})
	if err != nil {
		return errors.WithContext(err, "send signon")
	}

	var ack proto.SignonAck
	if err := proto.Recv(ch, &ack); err != nil {
		return errors.WithContext(err, "read signon")
	}

	if ack.Protocol < version.MinProtocol {
		reason := fmt.Sprintf("protocol %d is too old, need at least %d",
			ack.Protocol, version.MinProtocol)
		ch.GoAway(reason)
		return errors.NewFriendlyError("Can't sync with %s: %s", sess.Host, reason)
	}

	sess.Protocol = min(ack.Protocol, version.Protocol)
	sess.ServerVersion = ack.Version
	sess.ServerName = ack.Hostname
	return nil
}

func (m *Manager) setup(sess *Session) error {
	var when int64
	if !m.target.When.IsZero() {
		when = m.target.When.Unix()
	}

	err := proto.Send(sess.ch, &proto.Setup{
		Collection: m.target.Collection,
		Release:    m.target.Release,
		Hostname:   m.target.Hostname,
		Prefix:     m.target.Prefix,
		When:       when,
		Compress:   m.target.Compress,
	})
	if err != nil {
		return errors.WithContext(err, "send setup")
	}

	var ack proto.SetupAck
	if err := proto.Recv(sess.ch, &ack); err != nil {
		return errors.WithContext(err, "read setup")
	}

	if ack.Status != proto.SetupOK {
		return &SetupError{Host: sess.Host, Status: ack.Status, Reason: ack.Reason}
	}

	sess.Compress = ack.Compress && m.target.Compress
	return nil
}

func (m *Manager) crypt(sess *Session) error {
	ch := sess.ch

	var nonce []byte
	if m.target.Crypt != "" {
		var err error
		nonce, err = wire.NewNonce()
		if err != nil {
			return errors.WithContext(err, "generate nonce")
		}
	}

	if err := proto.Send(ch, &proto.Crypt{Nonce: nonce}); err != nil {
		return errors.WithContext(err, "send crypt")
	}

	var ack proto.CryptAck
	if err := proto.Recv(ch, &ack); err != nil {
		return errors.WithContext(err, "read crypt")
	}

	if !ack.Enabled {
		if m.target.Crypt == "" {
			return nil
		}

		if m.target.Login != "" || m.target.Password != "" {
			ch.GoAway("refusing to log in without encryption")
			return ErrClearLogin
		}

		m.log.WithField("host", sess.Host).Warn(
			"Server doesn't encrypt this collection. Continuing in the clear.")
		return nil
	}

	if m.target.Crypt == "" {
		reason := "no encryption key configured"
		ch.GoAway(reason)
		return errors.NewFriendlyError("Server %s requires encryption, but %s", sess.Host, reason)
	}

	cipher, err := wire.NewCipher(m.target.Crypt, nonce, true)
	if err != nil {
		return errors.WithContext(err, "create cipher")
	}
	ch.SetCipher(cipher)
	if err := ch.SetCrypt(true); err != nil {
		return errors.WithContext(err, "enable encryption")
	}

	if err := proto.Send(ch, &proto.CryptTest{Text: proto.CryptTestString}); err != nil {
		return errors.WithContext(err, "send crypt test")
	}

	var test proto.CryptTest
	if err := proto.Recv(ch, &test); err != nil {
		return errors.WithContext(err, "read crypt test")
	}

	if test.Text != proto.CryptTestString {
		return ErrCryptMismatch
	}

	sess.Encrypted = true
	return nil
}

func (m *Manager) login(sess *Session) error {
	err := proto.Send(sess.ch, &proto.Login{
		User:     m.target.Login,
		Password: m.target.Password,
	})
	if err != nil {
		return errors.WithContext(err, "send login")
	}

	var ack proto.LoginAck
	if err := proto.Recv(sess.ch, &ack); err != nil {
		return errors.WithContext(err, "read login")
	}

	if !ack.OK {
		return &LoginError{Host: sess.Host, Reason: ack.Reason}
	}
	return nil
}
