package db

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Users (
	UserID   INTEGER PRIMARY KEY,
	Login    TEXT NOT NULL,
	PassHash TEXT NOT NULL, -- bcrypt
	FullName TEXT NOT NULL,
	Admin    BOOLEAN NOT NULL,
	Locked   BOOLEAN NOT NULL,

	UNIQUE(Login)
);

-- Addresses is installation-wide: every address ever seen in a stored
-- header has one row here, shared across mailboxes.
-- The Injector resolves rows through the address cache; concurrent
-- inserts are serialized by the unique index, not by a lock.
CREATE TABLE IF NOT EXISTS Addresses (
	AddressID INTEGER PRIMARY KEY,
	Name      TEXT NOT NULL,
	Localpart TEXT NOT NULL COLLATE NOCASE,
	Domain    TEXT NOT NULL COLLATE NOCASE,

	UNIQUE(Name, Localpart, Domain)
);

-- Mailboxes is the path-addressed hierarchy. A deleted mailbox keeps
-- its row (and so its MailboxID and UIDValidity); only non-deleted
-- names are unique, so recreating a deleted name makes a new row.
CREATE TABLE IF NOT EXISTS Mailboxes (
	MailboxID   INTEGER PRIMARY KEY,
	Name        TEXT NOT NULL,    -- full path, slash separated, NFC
	Owner       INTEGER NOT NULL, -- UserID, 0 = system
	Kind        INTEGER NOT NULL, -- mailboxes.Kind
	UIDValidity INTEGER NOT NULL,
	UIDNext     INTEGER NOT NULL,
	NextModSeq  INTEGER NOT NULL,
	Deleted     BOOLEAN NOT NULL,
	URLAuthKey  TEXT NOT NULL     -- hex, per-mailbox URLAUTH secret
);

CREATE UNIQUE INDEX IF NOT EXISTS MailboxesLiveName
	ON Mailboxes (Name) WHERE Deleted = 0;

-- Aliases routes recipient addresses to mailboxes at RCPT time.
CREATE TABLE IF NOT EXISTS Aliases (
	Address   TEXT PRIMARY KEY, -- localpart@domain, always lower case
	MailboxID INTEGER NOT NULL,

	FOREIGN KEY(MailboxID) REFERENCES Mailboxes(MailboxID)
);

CREATE TABLE IF NOT EXISTS Scripts (
	Owner  INTEGER NOT NULL, -- UserID
	Name   TEXT NOT NULL,
	Active BOOLEAN NOT NULL,
	Script TEXT NOT NULL,

	PRIMARY KEY(Owner, Name),
	FOREIGN KEY(Owner) REFERENCES Users(UserID)
);

-- Bodyparts are deduplicated by content fingerprint: the same part
-- stored into any number of messages and mailboxes is one row.
CREATE TABLE IF NOT EXISTS Bodyparts (
	BodypartID  INTEGER PRIMARY KEY,
	Fingerprint TEXT NOT NULL, -- sha256 hex
	NumBytes    INTEGER NOT NULL,
	NumLines    INTEGER NOT NULL,
	Bytes       BLOB,
	Text        TEXT,           -- set instead of Bytes for text parts

	UNIQUE(Fingerprint)
);

CREATE TABLE IF NOT EXISTS Messages (
	MessageID    INTEGER PRIMARY KEY,
	RawHash      TEXT NOT NULL, -- sha256 hex of the wire form
	RFC822Size   INTEGER NOT NULL,
	InternalDate INTEGER NOT NULL, -- time.Unix seconds

	UNIQUE(RawHash)
);

CREATE TABLE IF NOT EXISTS MailboxMessages (
	MailboxID INTEGER NOT NULL,
	UID       INTEGER NOT NULL,
	ModSeq    INTEGER NOT NULL,
	MessageID INTEGER NOT NULL,

	PRIMARY KEY(MailboxID, UID),
	FOREIGN KEY(MailboxID) REFERENCES Mailboxes(MailboxID),
	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID)
);

CREATE TABLE IF NOT EXISTS HeaderFields (
	MessageID INTEGER NOT NULL,
	Part      INTEGER NOT NULL,
	Position  INTEGER NOT NULL,
	Field     TEXT NOT NULL,
	Value     TEXT NOT NULL,

	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID)
);

CREATE INDEX IF NOT EXISTS HeaderFieldsMessage ON HeaderFields (MessageID);

CREATE TABLE IF NOT EXISTS AddressFields (
	MessageID INTEGER NOT NULL,
	Part      INTEGER NOT NULL,
	Position  INTEGER NOT NULL,
	Field     TEXT NOT NULL,
	AddressID INTEGER NOT NULL,
	Number    INTEGER NOT NULL,

	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID),
	FOREIGN KEY(AddressID) REFERENCES Addresses(AddressID)
);

CREATE INDEX IF NOT EXISTS AddressFieldsMessage ON AddressFields (MessageID);

CREATE TABLE IF NOT EXISTS MessageParts (
	MessageID  INTEGER NOT NULL,
	Part       INTEGER NOT NULL,
	BodypartID INTEGER NOT NULL,
	ContentType TEXT,
	ContentID   TEXT,

	PRIMARY KEY(MessageID, Part),
	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID),
	FOREIGN KEY(BodypartID) REFERENCES Bodyparts(BodypartID)
);

CREATE TABLE IF NOT EXISTS Flags (
	MailboxID INTEGER NOT NULL,
	UID       INTEGER NOT NULL,
	Flag      TEXT NOT NULL,

	PRIMARY KEY(MailboxID, UID, Flag),
	FOREIGN KEY(MailboxID, UID) REFERENCES MailboxMessages(MailboxID, UID)
);

-- Annotations: per (mailbox message, entry, owner) the value is unique.
CREATE TABLE IF NOT EXISTS Annotations (
	MailboxID INTEGER NOT NULL,
	UID       INTEGER NOT NULL,
	Entry     TEXT NOT NULL,
	Owner     INTEGER NOT NULL, -- UserID, 0 = shared
	Value     TEXT NOT NULL,

	PRIMARY KEY(MailboxID, UID, Entry, Owner),
	FOREIGN KEY(MailboxID, UID) REFERENCES MailboxMessages(MailboxID, UID)
);

-- Deliveries is the outbound spool: one row per (message, recipient),
-- picked up by the deliverer after the injection commits.
CREATE TABLE IF NOT EXISTS Deliveries (
	DeliveryID  INTEGER PRIMARY KEY,
	MessageID   INTEGER NOT NULL,
	Sender      TEXT NOT NULL, -- reverse-path, "" for bounces
	Recipient   TEXT NOT NULL,
	State       INTEGER NOT NULL, -- db.DeliveryState
	Tries       INTEGER NOT NULL,
	FirstTry    INTEGER,          -- time.Unix
	LastTry     INTEGER,          -- time.Unix
	Code        INTEGER,          -- last SMTP code from the next hop
	Details     TEXT,

	FOREIGN KEY(MessageID) REFERENCES Messages(MessageID)
);

CREATE INDEX IF NOT EXISTS DeliveriesState ON Deliveries (State);
`
