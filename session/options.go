// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session holds the connection-level MQTT parameters read by every
// packet builder, together with the packet identifier counter.
package session

// DefaultKeepAlive is the keep-alive interval, in seconds, of a new Options.
const DefaultKeepAlive uint16 = 60

// MaxClientIDLength is the longest client identifier MQTT 3.1 brokers must accept.
const MaxClientIDLength = 23

// Will is the message the broker publishes if the client drops unexpectedly.
type Will struct {
	Topic   string
	Message string
	QoS     byte
	Retain  bool
}

// Options is the session state owned by a single client.
// It is not safe for concurrent use: mutate it only between send/reply cycles.
type Options struct {
	// Publish defaults
	Dup    bool
	QoS    byte
	Retain bool

	// Credentials
	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     string

	// Connection
	CleanSession bool
	KeepAlive    uint16 // seconds
	ClientID     string

	// Will
	WillFlag bool
	Will     Will

	packetID uint16
}

// New returns Options with a clean session and the default keep-alive.
func New(clientID string) *Options {
	return &Options{
		ClientID:     clientID,
		CleanSession: true,
		KeepAlive:    DefaultKeepAlive,
	}
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetCredentials sets username and password and raises both presence flags.
func (o *Options) SetCredentials(username, password string) *Options {
	return o.SetUsername(username).SetPassword(password)
}

// SetUsername sets the username and its presence flag.
func (o *Options) SetUsername(username string) *Options {
	o.UsernameFlag = true
	o.Username = username
	return o
}

// SetPassword sets the password and its presence flag.
func (o *Options) SetPassword(password string) *Options {
	o.PasswordFlag = true
	o.Password = password
	return o
}

// ClearCredentials drops username and password.
func (o *Options) ClearCredentials() *Options {
	o.UsernameFlag, o.Username = false, ""
	o.PasswordFlag, o.Password = false, ""
	return o
}

// SetWill enables the will with the given topic, message and QoS.
func (o *Options) SetWill(topic, message string, qos byte, retain bool) *Options {
	o.WillFlag = true
	o.Will = Will{Topic: topic, Message: message, QoS: qos, Retain: retain}
	return o
}

// ClearWill disables the will.
func (o *Options) ClearWill() *Options {
	o.WillFlag = false
	o.Will = Will{}
	return o
}

// SetCleanSession sets the clean session flag.
func (o *Options) SetCleanSession(clean bool) *Options {
	o.CleanSession = clean
	return o
}

// SetKeepAlive sets the keep-alive interval in seconds. 0 disables it.
func (o *Options) SetKeepAlive(seconds uint16) *Options {
	o.KeepAlive = seconds
	return o
}

// SetDup sets the DUP flag carried by PUBLISH packets.
func (o *Options) SetDup(dup bool) *Options {
	o.Dup = dup
	return o
}

// SetRetain sets the RETAIN flag carried by PUBLISH packets.
func (o *Options) SetRetain(retain bool) *Options {
	o.Retain = retain
	return o
}

// SetQoS sets the default publish QoS.
func (o *Options) SetQoS(qos byte) *Options {
	o.QoS = qos
	return o
}

// PacketID returns the identifier the next CONNECT or PUBLISH will carry.
func (o *Options) PacketID() uint16 {
	return o.packetID
}

// SetPacketID restores the counter, typically from persisted state.
func (o *Options) SetPacketID(id uint16) *Options {
	o.packetID = id
	return o
}

// IncrementPacketID advances the counter by one, wrapping at 16 bits,
// and returns the new value.
func (o *Options) IncrementPacketID() uint16 {
	o.packetID++
	return o.packetID
}
