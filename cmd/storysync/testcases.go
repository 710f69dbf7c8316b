package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var uploadTestCases bool

var testCasesCmd = &cobra.Command{
	Use:   "testcases <story-id>",
	Short: "Generate test cases for a user story",
	Args:  cobra.ExactArgs(1),
	RunE:  runTestCases,
}

func init() {
	testCasesCmd.Flags().BoolVar(&uploadTestCases, "upload", false, "create the generated test cases in the tracker")
}

func runTestCases(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	cases, err := eng.worker.PreviewTestCases(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	var createdIDs []string
	if uploadTestCases {
		createdIDs, err = eng.worker.UploadTestCases(cmd.Context(), args[0], cases)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		out := map[string]any{"story_id": args[0], "test_cases": cases}
		if uploadTestCases {
			out["created"] = createdIDs
		}
		return enc.Encode(out)
	}

	fmt.Printf("%d test cases for story %s:\n\n", len(cases), args[0])
	for i, tc := range cases {
		fmt.Printf("%d. [%s/%s] %s\n", i+1, tc.Type, tc.Priority, tc.Title)
		for _, step := range tc.Steps {
			fmt.Printf("   - %s\n", step)
		}
		fmt.Printf("   => %s\n\n", tc.ExpectedResult)
	}
	if uploadTestCases {
		fmt.Printf("created in tracker: %v\n", createdIDs)
	}
	return nil
}
