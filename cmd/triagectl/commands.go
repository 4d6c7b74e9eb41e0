package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"triage-agent/internal/usecase"
)

func (a *app) departmentCmd() *cobra.Command {
	var patientID string
	cmd := &cobra.Command{
		Use:   "department SYMPTOMS...",
		Short: "Recommend a department for the given symptoms",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			rec, err := svc.Triage(cmd.Context(), usecase.TriageRequest{
				Symptoms:  strings.Join(args, " "),
				PatientID: patientID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "patient id whose history is added to the prompt")
	return cmd
}

func (a *app) doctorsCmd() *cobra.Command {
	var departmentID int
	cmd := &cobra.Command{
		Use:   "doctors SYMPTOMS...",
		Short: "Recommend doctors of a department for the given symptoms",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			picks, err := svc.SuggestDoctors(cmd.Context(), usecase.DoctorRequest{
				DepartmentID: departmentID,
				Symptoms:     strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			if picks == nil {
				return printJSON(cmd.OutOrStdout(), []any{})
			}
			return printJSON(cmd.OutOrStdout(), picks)
		},
	}
	cmd.Flags().IntVar(&departmentID, "department", 0, "department id")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func (a *app) popularCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "popular",
		Short: "List popular symptom keywords of the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), usecase.PopularSymptoms(cat.Rules))
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write the catalog's departments, doctors and keyword rules to DynamoDB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			repo, err := a.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			if err := repo.PutCatalog(cmd.Context(), cat.Departments, cat.Doctors, cat.Rules); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d departments, %d doctors, %d rules into %s\n",
				len(cat.Departments), len(cat.Doctors), len(cat.Rules), a.settings.Table)
			return err
		},
	}
	cmd.Flags().String("table", "", "DynamoDB catalog table")
	_ = a.v.BindPFlag("table", cmd.Flags().Lookup("table"))
	return cmd
}
