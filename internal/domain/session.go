package domain

// SessionID identifies one logical reading room. The hub owns the
// authoritative room state; queue, reader, verse and timer are
// replicated to clients and reconstructed from broadcasts after
// reconnect.
type SessionID string
