package staff

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Sector is the coarse organizational department an identity belongs to.
type Sector string

const (
	SectorAdministrativo Sector = "ADMINISTRATIVO"
	SectorFinanceiro     Sector = "FINANCEIRO"
	SectorPedagogico     Sector = "PEDAGOGICO"
	SectorMarketing      Sector = "MARKETING"
	SectorEventos        Sector = "EVENTOS"
)

// Function is a role capability held by an identity; it drives access checks.
type Function string

const (
	FunctionAdministrador          Function = "ADMINISTRADOR"
	FunctionColaborador            Function = "COLABORADOR"
	FunctionProfessor              Function = "PROFESSOR"
	FunctionCoordenadorGeral       Function = "COORDENADOR_GERAL"
	FunctionCoordenadorEventos     Function = "COORDENADOR_EVENTOS"
	FunctionCoordenadorMasterclass Function = "COORDENADOR_MASTERCLASS"
	FunctionCoordenadorConfronto   Function = "COORDENADOR_CONFRONTO"
)

// Sectors lists every valid sector in presentation order.
func Sectors() []Sector {
	return []Sector{
		SectorAdministrativo,
		SectorFinanceiro,
		SectorPedagogico,
		SectorMarketing,
		SectorEventos,
	}
}

// Functions lists every valid function in presentation order.
func Functions() []Function {
	return []Function{
		FunctionAdministrador,
		FunctionColaborador,
		FunctionProfessor,
		FunctionCoordenadorGeral,
		FunctionCoordenadorEventos,
		FunctionCoordenadorMasterclass,
		FunctionCoordenadorConfronto,
	}
}

// LeadFunctions lists the coordinator functions treated as leads by access checks.
func LeadFunctions() []Function {
	return []Function{
		FunctionCoordenadorGeral,
		FunctionCoordenadorEventos,
		FunctionCoordenadorMasterclass,
		FunctionCoordenadorConfronto,
	}
}

// ValidSector reports whether the value names a known sector.
func ValidSector(value Sector) bool {
	for _, sector := range Sectors() {
		if sector == value {
			return true
		}
	}
	return false
}

// ValidFunction reports whether the value names a known function.
func ValidFunction(value Function) bool {
	for _, function := range Functions() {
		if function == value {
			return true
		}
	}
	return false
}

// FunctionList stores an ordered set of functions in a single text column.
type FunctionList []Function

// Contains reports whether the list holds the given function.
func (l FunctionList) Contains(target Function) bool {
	for _, function := range l {
		if function == target {
			return true
		}
	}
	return false
}

// ContainsAny reports whether the list intersects the given functions.
func (l FunctionList) ContainsAny(targets []Function) bool {
	for _, target := range targets {
		if l.Contains(target) {
			return true
		}
	}
	return false
}

// Value serializes the list for storage.
func (l FunctionList) Value() (driver.Value, error) {
	parts := make([]string, 0, len(l))
	for _, function := range l {
		parts = append(parts, string(function))
	}
	return strings.Join(parts, ","), nil
}

// Scan deserializes the stored column back into a list.
func (l *FunctionList) Scan(src interface{}) error {
	var raw string
	switch value := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = value
	case []byte:
		raw = string(value)
	default:
		return fmt.Errorf("staff: cannot scan %T into FunctionList", src)
	}
	if raw == "" {
		*l = nil
		return nil
	}
	parts := strings.Split(raw, ",")
	list := make(FunctionList, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			list = append(list, Function(trimmed))
		}
	}
	*l = list
	return nil
}

// Identity is a registered staff member. Soft-deleted rows are excluded from
// every lookup and from email uniqueness checks.
type Identity struct {
	ID           uint           `gorm:"column:id;primaryKey"`
	FirstName    string         `gorm:"column:first_name;size:120;not null"`
	LastName     string         `gorm:"column:last_name;size:120;not null"`
	DisplayName  string         `gorm:"column:display_name;size:250;not null"`
	Email        string         `gorm:"column:email;size:320;not null;index"`
	PasswordHash string         `gorm:"column:password_hash;size:120;not null"`
	Phone        string         `gorm:"column:phone;size:32"`
	Sector       Sector         `gorm:"column:sector;size:32;not null"`
	Functions    FunctionList   `gorm:"column:functions;size:512;not null"`
	PhotoURL     string         `gorm:"column:photo_url;size:512"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt    gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName exposes the table backing staff identities.
func (Identity) TableName() string {
	return "staff_identities"
}

// RecoveryToken is a single-use, time-limited password reset grant. Rows are
// deleted on redemption and otherwise left to expire in place.
type RecoveryToken struct {
	ID         uint      `gorm:"column:id;primaryKey"`
	IdentityID uint      `gorm:"column:identity_id;not null;index"`
	Token      string    `gorm:"column:token;size:64;uniqueIndex;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null"`
}

// TableName exposes the table backing recovery tokens.
func (RecoveryToken) TableName() string {
	return "staff_recovery_tokens"
}

// NormalizeEmail trims surrounding whitespace and lower-cases the address so
// comparisons and uniqueness checks are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ComposeDisplayName derives the display name stored alongside the identity.
func ComposeDisplayName(firstName, lastName string) string {
	return strings.TrimSpace(strings.TrimSpace(firstName) + " " + strings.TrimSpace(lastName))
}
