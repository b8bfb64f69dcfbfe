package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/abilian/abilian-core/internal/audit"
	"github.com/abilian/abilian-core/internal/config"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

// entryView is the printable form of an audit entry.
type entryView struct {
	ID         int64     `json:"id" yaml:"id"`
	HappenedAt time.Time `json:"happened_at" yaml:"happened_at"`
	Type       string    `json:"type" yaml:"type"`
	UserID     *int64    `json:"user_id" yaml:"user_id"`
	EntityID   int64     `json:"entity_id" yaml:"entity_id"`
	EntityType string    `json:"entity_type" yaml:"entity_type"`
	EntityName string    `json:"entity_name" yaml:"entity_name"`
	Deleted    bool      `json:"deleted" yaml:"deleted"`
	Changes    any       `json:"changes,omitempty" yaml:"changes,omitempty"`
}

type securityView struct {
	ID         int64     `json:"id" yaml:"id"`
	HappenedAt time.Time `json:"happened_at" yaml:"happened_at"`
	Op         string    `json:"op" yaml:"op"`
	ManagerID  *int64    `json:"manager_id" yaml:"manager_id"`
	Principal  string    `json:"principal" yaml:"principal"`
	Role       string    `json:"role,omitempty" yaml:"role,omitempty"`
	ObjectID   *int64    `json:"object_id" yaml:"object_id"`
	ObjectType string    `json:"object_type,omitempty" yaml:"object_type,omitempty"`
	ObjectName string    `json:"object_name,omitempty" yaml:"object_name,omitempty"`
}

func newAuditCmd() *cobra.Command {
	var (
		filter audit.EntryFilter
		userID int64
		since  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "audit [flags]",
		Short: "Show audit entries",
		Long: `Show the audit entries recorded for entity changes, oldest first.

Examples:
  # Changes made to one entity
  abilian audit --entity 42

  # Changes made by user 7 during the last day, as YAML
  abilian audit --user 7 --since 24h -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output = outputFormat(output)
			if err := validFormat(output); err != nil {
				return err
			}
			if cmd.Flags().Changed("user") {
				filter.UserID = &userID
			}
			if since != "" {
				t, err := parseSince(since)
				if err != nil {
					return err
				}
				filter.Since = t
			}

			svc, ctx, err := openServices(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer svc.Close()
			s := svc.NewSession()
			defer s.Close(ctx)

			entries, err := audit.Entries(ctx, s, filter)
			if err != nil {
				return err
			}
			views := make([]entryView, 0, len(entries))
			for _, e := range entries {
				v, err := newEntryView(e)
				if err != nil {
					return err
				}
				views = append(views, v)
			}
			return printEntries(cmd.OutOrStdout(), output, views)
		},
	}
	cmd.Flags().Int64Var(&filter.EntityID, "entity", 0, "Only entries of this entity id")
	cmd.Flags().StringVar(&filter.EntityType, "type", "", "Only entries of this entity type")
	cmd.Flags().Int64Var(&userID, "user", 0, "Only entries made by this user id (0 is the system user)")
	cmd.Flags().StringVar(&since, "since", "", "Only entries newer than a duration (24h, 7d) or an RFC 3339 time")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum number of entries")
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "Output format: table, yaml or json")
	cmd.AddCommand(newAuditSecurityCmd())
	return cmd
}

func newAuditSecurityCmd() *cobra.Command {
	var (
		filter   audit.SecurityFilter
		objectID int64
		output   string
	)
	cmd := &cobra.Command{
		Use:   "security [flags]",
		Short: "Show role grants, revocations and inheritance changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output = outputFormat(output)
			if err := validFormat(output); err != nil {
				return err
			}
			if cmd.Flags().Changed("object") {
				filter.ObjectID = &objectID
			}
			svc, ctx, err := openServices(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer svc.Close()
			s := svc.NewSession()
			defer s.Close(ctx)

			entries, err := audit.SecurityEntries(ctx, s, filter)
			if err != nil {
				return err
			}
			views := make([]securityView, 0, len(entries))
			for _, e := range entries {
				views = append(views, newSecurityView(e))
			}
			return printSecurityEntries(cmd.OutOrStdout(), output, views)
		},
	}
	cmd.Flags().Int64Var(&objectID, "object", 0, "Only entries about this object id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum number of entries")
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "Output format: table, yaml or json")
	return cmd
}

// outputFormat lets the global --json flag win over --output.
func outputFormat(output string) string {
	if jsonOutput {
		return formatJSON
	}
	return output
}

func validFormat(f string) error {
	switch f {
	case formatTable, formatYAML, formatJSON:
		return nil
	}
	return fmt.Errorf("unknown output format %q", f)
}

func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := config.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: expected a duration or an RFC 3339 time", s)
	}
	return time.Now().Add(-d), nil
}

func newEntryView(e *audit.Entry) (entryView, error) {
	v := entryView{
		ID:         e.ID,
		HappenedAt: e.HappenedAt,
		Type:       e.Type.String(),
		UserID:     e.UserID,
		EntityID:   e.EntityID,
		EntityType: e.EntityType,
		EntityName: e.EntityName,
		Deleted:    e.EntityRef == nil,
	}
	if !e.Changes.Empty() {
		// round trip through JSON so YAML sees plain maps
		raw, err := json.Marshal(e.Changes)
		if err != nil {
			return v, err
		}
		if err := json.Unmarshal(raw, &v.Changes); err != nil {
			return v, err
		}
	}
	return v, nil
}

func newSecurityView(e *audit.SecurityEntry) securityView {
	v := securityView{
		ID:         e.ID,
		HappenedAt: e.HappenedAt,
		Op:         string(e.Op),
		ManagerID:  e.ManagerID,
		Role:       e.Role,
		ObjectID:   e.ObjectID,
		ObjectType: e.ObjectType,
		ObjectName: e.ObjectName,
	}
	switch {
	case e.UserID != nil:
		v.Principal = fmt.Sprintf("user:%d", *e.UserID)
	case e.GroupID != nil:
		v.Principal = fmt.Sprintf("group:%d", *e.GroupID)
	case e.Anonymous:
		v.Principal = "anonymous"
	}
	return v
}

func printEntries(w io.Writer, format string, views []entryView) error {
	switch format {
	case formatJSON:
		printJSON(w, views)
		return nil
	case formatYAML:
		return printYAML(w, views)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tTYPE\tUSER\tENTITY\tNAME\tCHANGED")
	for _, v := range views {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s:%d\t%s\t%s\n",
			v.ID, v.HappenedAt.Local().Format("2006-01-02 15:04:05"), v.Type, userLabel(v.UserID),
			v.EntityType, v.EntityID, v.EntityName, changedFields(v.Changes))
	}
	return tw.Flush()
}

func printSecurityEntries(w io.Writer, format string, views []securityView) error {
	switch format {
	case formatJSON:
		printJSON(w, views)
		return nil
	case formatYAML:
		return printYAML(w, views)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tOP\tBY\tPRINCIPAL\tROLE\tOBJECT")
	for _, v := range views {
		object := "-"
		if v.ObjectID != nil {
			object = fmt.Sprintf("%s:%d", v.ObjectType, *v.ObjectID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.HappenedAt.Local().Format("2006-01-02 15:04:05"), v.Op, userLabel(v.ManagerID),
			v.Principal, v.Role, object)
	}
	return tw.Flush()
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func userLabel(id *int64) string {
	switch {
	case id == nil:
		return "anonymous"
	case *id == 0:
		return "system"
	}
	return fmt.Sprintf("%d", *id)
}

// changedFields lists the column names of a decoded Changes value.
func changedFields(changes any) string {
	m, ok := changes.(map[string]any)
	if !ok {
		return ""
	}
	var names []string
	for _, key := range []string{"columns", "collections"} {
		cols, _ := m[key].(map[string]any)
		for name := range cols {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
