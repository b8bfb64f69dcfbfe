package security

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"sigs.k8s.io/yaml"

	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/subjects"
)

// SeedFile lists permission assignments and role grants to apply, usually
// when an instance is set up.
//
//	permissions:
//	  - permission: read
//	    role: anonymous
//	grants:
//	  - role: manager
//	    user: jane@example.com
//	  - role: reader
//	    group: staff
//	    object: 42
type SeedFile struct {
	Permissions []SeedPermission `json:"permissions" validate:"dive"`
	Grants      []SeedGrant      `json:"grants" validate:"dive"`
}

type SeedPermission struct {
	Permission string `json:"permission" validate:"required,securityName"`
	Role       string `json:"role" validate:"required,securityName"`
	Object     *int64 `json:"object,omitempty"`
}

// SeedGrant designates its principal by user email, group name, or the
// anonymous flag.
type SeedGrant struct {
	Role      string `json:"role" validate:"required,securityName"`
	User      string `json:"user,omitempty" validate:"omitempty,email"`
	Group     string `json:"group,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
	Object    *int64 `json:"object,omitempty"`
}

var seedValidator = newSeedValidator()

func newSeedValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("securityName", func(fl validator.FieldLevel) bool {
		for _, c := range fl.Field().String() {
			if c == ' ' || c == ':' {
				return false
			}
		}
		return true
	})
	return v
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, ErrInvalidSeed.MsgErr("parse", err)
	}
	if err := seedValidator.Struct(&sf); err != nil {
		return nil, ErrInvalidSeed.MsgErr("validate", err)
	}
	for i, g := range sf.Grants {
		n := 0
		for _, set := range []bool{g.User != "", g.Group != "", g.Anonymous} {
			if set {
				n++
			}
		}
		if n != 1 {
			return nil, ErrInvalidSeed.Msg(fmt.Sprintf("grant %d must name exactly one of user, group or anonymous", i))
		}
	}
	return &sf, nil
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrInvalidSeed.MsgErr(path, err)
	}
	return ParseSeed(data)
}

// Seed applies sf inside the session transaction. Entries already present
// are left alone.
func (svc *Service) Seed(ctx context.Context, s *dbsession.Session, sf *SeedFile) error {
	for _, sp := range sf.Permissions {
		perm, err := ParsePermission(sp.Permission)
		if err != nil {
			return err
		}
		role, err := ParseRole(sp.Role)
		if err != nil {
			return err
		}
		obj, err := seedObject(ctx, s, sp.Object)
		if err != nil {
			return err
		}
		if err := svc.AddPermission(ctx, s, perm, role, obj); err != nil {
			return err
		}
	}
	for _, sg := range sf.Grants {
		role, err := ParseRole(sg.Role)
		if err != nil {
			return err
		}
		p, err := seedPrincipal(ctx, s, sg)
		if err != nil {
			return err
		}
		obj, err := seedObject(ctx, s, sg.Object)
		if err != nil {
			return err
		}
		if err := svc.GrantRole(ctx, s, p, role, obj); err != nil {
			return err
		}
	}
	log.Ctx(ctx).Info().Int("permissions", len(sf.Permissions)).Int("grants", len(sf.Grants)).Msg("security seed applied")
	return nil
}

func seedObject(ctx context.Context, s *dbsession.Session, id *int64) (*entity.Entity, error) {
	if id == nil {
		return nil, nil
	}
	return entity.Get(ctx, s, *id)
}

func seedPrincipal(ctx context.Context, s *dbsession.Session, g SeedGrant) (subjects.Principal, error) {
	switch {
	case g.Anonymous:
		return subjects.Anonymous, nil
	case g.User != "":
		u, err := subjects.FindUserByEmail(ctx, s, g.User)
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	groups, err := entity.Find(ctx, s, entity.Query{
		Types: []string{subjects.GroupType},
		Where: []entity.Predicate{entity.Where("e.name = ?", g.Group)},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, subjects.ErrGroupNotFound.Msg(g.Group)
	}
	return &subjects.Group{Entity: groups[0]}, nil
}
