package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"donna/internal/skills"
	"donna/internal/store"
)

// restrictedBaseVars are the only parent variables a restricted child
// inherits. Everything else it needs comes from skill declarations.
var restrictedBaseVars = []string{"PATH", "HOME", "LANG", "LC_ALL"}

// secretNames matches environment variable names carrying credentials.
var secretNames = regexp.MustCompile(`(?i)(PASSWORD|SECRET|TOKEN|API_KEY|PRIVATE_KEY|APP_PASSWORD|NC_PASS)`)

// StripSecrets returns a copy of env without credential-looking
// variables. The executor applies it to heartbeat shell commands and
// command-type scheduled jobs, which run arbitrary user-configured
// binaries.
func StripSecrets(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for name, value := range env {
		if secretNames.MatchString(name) {
			continue
		}
		out[name] = value
	}
	return out
}

// StripSecretsList is StripSecrets for os.Environ form.
func StripSecretsList(environ []string) []string {
	return EnvironList(StripSecrets(parseEnviron(environ)))
}

// parseEnviron turns os.Environ form ("K=V") into a map.
func parseEnviron(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok {
			out[name] = value
		}
	}
	return out
}

// EnvironList flattens an env map back to os/exec form, sorted for
// deterministic child environments.
func EnvironList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for name, value := range env {
		out = append(out, name+"="+value)
	}
	sort.Strings(out)
	return out
}

// buildEnv assembles the child environment for a task. Restricted mode
// starts from a handful of parent basics; permissive mode starts from
// the full parent environment. Both get the selected skills' declared
// variables, the user's timezone, and DEFERRED_DIR.
func (a *Assembler) buildEnv(tz string, selected []skills.Skill, resources []store.UserResource, tempDir string) map[string]string {
	parent := parseEnviron(a.environ())
	env := make(map[string]string)
	if a.cfg.Executor.PermissionMode == "permissive" {
		for name, value := range parent {
			env[name] = value
		}
	} else {
		for _, name := range restrictedBaseVars {
			if value, ok := parent[name]; ok {
				env[name] = value
			}
		}
	}
	env["TZ"] = tz

	for _, skill := range selected {
		for _, decl := range skill.Env {
			value, err := a.resolveEnvDecl(decl, skill, resources)
			if err != nil {
				a.logger.Warn("skill env variable not resolved",
					"skill", skill.Name, "var", decl.Name, "error", err)
				continue
			}
			env[decl.Name] = value
		}
	}

	env["DEFERRED_DIR"] = tempDir

	if token := a.cfg.Secrets.ForgeToken; token != "" {
		path, err := writeAskpass(tempDir, token)
		if err != nil {
			a.logger.Warn("credential helper not written", "error", err)
		} else {
			env["GIT_ASKPASS"] = path
			env["GIT_TERMINAL_PROMPT"] = "0"
		}
	}
	return env
}

// resolveEnvDecl resolves one skill env declaration. Config-sourced
// values come from prompt.skill_env; resource-sourced values are the
// path or URL of the user's resource named (or typed) by the key;
// file-sourced values are file contents, relative paths resolved
// against the skill directory.
func (a *Assembler) resolveEnvDecl(decl skills.EnvDecl, skill skills.Skill, resources []store.UserResource) (string, error) {
	switch decl.Source {
	case skills.EnvFromConfig:
		if value, ok := a.cfg.Prompt.SkillEnv[decl.Key]; ok {
			return value, nil
		}
		return "", fmt.Errorf("no skill_env entry %q", decl.Key)
	case skills.EnvFromResource:
		for _, r := range resources {
			if strings.EqualFold(r.Name, decl.Key) {
				return r.PathOrURL, nil
			}
		}
		for _, r := range resources {
			if strings.EqualFold(string(r.Type), decl.Key) {
				return r.PathOrURL, nil
			}
		}
		return "", fmt.Errorf("user has no resource %q", decl.Key)
	case skills.EnvFromFile:
		path := decl.Key
		if !filepath.IsAbs(path) {
			path = filepath.Join(skill.Dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("unknown env source %q", decl.Source)
	}
}

const askpassName = "git-askpass.sh"

// writeAskpass writes the git credential helper into the task's temp
// directory. The token lives inside the 0700 script, never in the
// child environment; git invokes the script only when it needs
// credentials.
func writeAskpass(dir, token string) (string, error) {
	path := filepath.Join(dir, askpassName)
	script := "#!/bin/sh\nprintf '%s\\n' " + shellQuote(token) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", err
	}
	return path, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
