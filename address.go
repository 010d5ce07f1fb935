package plexus

// Protocol is the transport protocol of a physical connection.
type Protocol string

// Supported protocols.
const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Address is the address to listen on or connect to.
type Address struct {
	Protocol Protocol
	HostPort string
}

// TCP returns TCP address.
func TCP(hostPort string) Address {
	return Address{Protocol: ProtocolTCP, HostPort: hostPort}
}

// UDP returns UDP address.
func UDP(hostPort string) Address {
	return Address{Protocol: ProtocolUDP, HostPort: hostPort}
}

func (a Address) String() string {
	return string(a.Protocol) + "://" + a.HostPort
}
