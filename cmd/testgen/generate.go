package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpokket/testgen/internal/javalang"
)

var (
	generateSave  bool
	generateModel string
)

var generateCmd = &cobra.Command{
	Use:   "generate <file.java>",
	Short: "Generate JUnit tests for a Java source file",
	Long: `Read a Java source file, ask a running testgen server for tests, and
print them to stdout. With --save, the tests are written next to the source
following the Maven layout (src/main/java -> src/test/java).`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().BoolVar(&generateSave, "save", false, "Write the generated tests to the matching test file")
	generateCmd.Flags().StringVar(&generateModel, "model", "", "Model to use (auto, deepseek-v2, deepseek-6b, demo)")
	rootCmd.AddCommand(generateCmd)
}

type generateResult struct {
	GeneratedTests   string `json:"generatedTests"`
	ClassName        string `json:"className"`
	GenerationTimeMs int64  `json:"generationTimeMs"`
	Model            string `json:"model"`
	Cached           bool   `json:"cached"`
}

func runGenerate(cmd *cobra.Command, args []string) error {
	srcPath := args[0]
	source, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", srcPath, err)
	}

	payload, err := json.Marshal(map[string]string{
		"javaCode":  string(source),
		"className": javalang.ExtractClassName(string(source)),
		"model":     generateModel,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(serverURL+"/generate-tests", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("calling testgen server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("server error: %s", e.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var result generateResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing server response: %w", err)
	}

	if !generateSave {
		fmt.Println(result.GeneratedTests)
		return nil
	}

	testPath := javalang.TestFilePath(srcPath)
	if err := os.MkdirAll(filepath.Dir(testPath), 0o755); err != nil {
		return fmt.Errorf("creating test directory: %w", err)
	}
	if err := os.WriteFile(testPath, []byte(result.GeneratedTests), 0o644); err != nil {
		return fmt.Errorf("writing test file: %w", err)
	}

	fmt.Printf("Wrote %s (%s, %dms", testPath, result.ClassName, result.GenerationTimeMs)
	if result.Cached {
		fmt.Print(", cached")
	}
	fmt.Println(")")
	return nil
}
