// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

type AccessLevel int

const (
	NoneAccess     AccessLevel = 0
	ReporterAccess AccessLevel = 20
	DevAccess      AccessLevel = 30
	MasterAccess   AccessLevel = 40
	OwnerAccess    AccessLevel = 50
)

func (accessLevel AccessLevel) Writeable() bool {
	return accessLevel >= DevAccess
}

func (accessLevel AccessLevel) Readable() bool {
	return accessLevel >= ReporterAccess
}

// Sudo reports whether the holder may bypass branch protection rules.
func (accessLevel AccessLevel) Sudo() bool {
	return accessLevel >= MasterAccess
}

func (accessLevel AccessLevel) String() string {
	switch {
	case accessLevel >= OwnerAccess:
		return "owner"
	case accessLevel >= MasterAccess:
		return "master"
	case accessLevel >= DevAccess:
		return "developer"
	case accessLevel >= ReporterAccess:
		return "reporter"
	}
	return "none"
}
