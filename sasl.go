package amqp

import (
	"github.com/pkg/errors"

	"github.com/amqpio/amqp/internal/debug"
	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
)

// SASL Mechanisms
const (
	saslMechanismPLAIN     encoding.Symbol = "PLAIN"
	saslMechanismANONYMOUS encoding.Symbol = "ANONYMOUS"
)

// ConnSASLPlain enables SASL PLAIN authentication for the connection.
//
// SASL PLAIN transmits credentials in plain text and should only be used
// on TLS/SSL enabled connection.
func ConnSASLPlain(username, password string) ConnOption {
	// TODO: how widely used is hostname? should it be supported
	return func(c *conn) error {
		// make handlers map if no other mechanism has
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		// add the handler the the map
		c.saslHandlers[saslMechanismPLAIN] = func() stateFunc {
			// send saslInit with PLAIN payload
			init := &frames.SASLInit{
				Mechanism:       "PLAIN",
				InitialResponse: []byte("\x00" + username + "\x00" + password),
				Hostname:        "",
			}
			debug.Log(1, "TX (ConnSASLPlain): %s", init)
			c.err = c.writeFrame(frames.Frame{
				Type:    frames.TypeSASL,
				Body:    init,
				Channel: 0,
			})
			if c.err != nil {
				return nil
			}

			// go to c.saslOutcome to handle the server response
			return c.saslOutcome
		}
		return nil
	}
}

// ConnSASLAnonymous enables SASL ANONYMOUS authentication for the connection.
func ConnSASLAnonymous() ConnOption {
	return func(c *conn) error {
		// make handlers map if no other mechanism has
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		// add the handler the the map
		c.saslHandlers[saslMechanismANONYMOUS] = func() stateFunc {
			init := &frames.SASLInit{
				Mechanism:       saslMechanismANONYMOUS,
				InitialResponse: []byte("anonymous"),
			}
			debug.Log(1, "TX (ConnSASLAnonymous): %s", init)
			c.err = c.writeFrame(frames.Frame{
				Type:    frames.TypeSASL,
				Body:    init,
				Channel: 0,
			})
			if c.err != nil {
				return nil
			}

			// go to c.saslOutcome to handle the server response
			return c.saslOutcome
		}
		return nil
	}
}

// negotiateSASL returns the SASL handler for the first matched mechanism
// supported by the server.
//
// SASL handlers return the next state func to be run.
func (c *conn) negotiateSASL() stateFunc {
	// read mechanisms frame
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	sm, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		c.err = errors.Errorf("unexpected frame type %T", fr.Body)
		return nil
	}
	debug.Log(1, "RX (negotiateSASL): %s", sm)

	// return first match in c.saslHandlers based on order received
	for _, mech := range sm.Mechanisms {
		if state, ok := c.saslHandlers[mech]; ok {
			return state
		}
	}

	// no match
	c.err = errors.Errorf("no supported auth mechanism (%v)", sm.Mechanisms) // TODO: send "auth not supported" frame?
	return nil
}

// saslOutcome processes the SASL outcome frame and return conn.negotiateProto
// as the next state.
//
// SASL handlers return this state func when the mechanism specific negotiation
// has completed.
func (c *conn) saslOutcome() stateFunc {
	// read outcome frame
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	so, ok := fr.Body.(*frames.SASLOutcome)
	if !ok {
		c.err = errors.Errorf("unexpected frame type %T", fr.Body)
		return nil
	}
	debug.Log(1, "RX (saslOutcome): %s", so)

	// check if auth succeeded
	if so.Code != frames.CodeSASLOK {
		c.err = errors.Errorf("SASL auth failed with code %#00x: %s", so.Code, so.AdditionalData) // implement Stringer for so.Code
		return nil
	}

	// return to c.negotiateProto
	c.saslComplete = true
	return c.negotiateProto
}
