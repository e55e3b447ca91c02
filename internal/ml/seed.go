package ml

// SeedModel returns the compiled-in classifier used when no model artifact is
// configured. Weights were fitted offline against the synthetic prompt attack
// corpus and rounded; they are intentionally sparse.
func SeedModel() *Model {
	return &Model{
		Version: "seed-2026.02",
		Bias:    -3.0,
		Weights: map[string]float64{
			// instruction override / jailbreak
			"ignore": 55, "disregard": 60, "forget": 35, "previous": 25,
			"instructions": 30, "override": 50, "bypass": 55, "jailbreak": 80,
			"dan": 45, "unrestricted": 50, "pretend": 40, "roleplay": 40,
			"persona": 30, "restrictions": 40, "filters": 35,

			// extraction
			"reveal": 45, "prompt": 20, "hidden": 30, "secrets": 45,
			"schema": 30, "internal": 25, "confidential": 40,

			// command / code execution
			"sudo": 50, "rm": 35, "rf": 40, "mkfs": 70, "chmod": 45,
			"shell": 30, "bash": 30, "powershell": 35, "eval": 30,
			"exec": 55, "subprocess": 55, "popen": 60, "__builtins__": 45,
			"__import__": 70, "__globals__": 70, "payload": 45,

			// sql
			"drop": 35, "union": 30, "truncate": 45, "injection": 50,

			// exfiltration / credentials
			"exfiltrate": 80, "upload": 25, "base64": 35, "decode": 25,
			"password": 35, "credentials": 45, "token": 25, "apikey": 45,
			"keylogger": 80, "backdoor": 80, "malware": 75, "ransomware": 80,

			// benign counterweight
			"hello": -25, "world": -15, "weather": -25, "summarize": -25,
			"explain": -20, "write": -15, "simple": -15, "program": -10,
			"recipe": -25, "thanks": -20, "help": -10, "question": -15,
		},
		Categories: map[string]map[string]float64{
			"prompt_injection": {
				"ignore": 3, "disregard": 3, "forget": 2, "previous": 1,
				"instructions": 2, "override": 2, "jailbreak": 4, "dan": 3,
				"pretend": 2, "roleplay": 2, "bypass": 2, "restrictions": 2,
			},
			"instruction_extraction": {
				"reveal": 3, "prompt": 2, "hidden": 2, "repeat": 1,
				"instructions": 1, "secrets": 2,
			},
			"tool_schema_extraction": {
				"schema": 3, "tools": 2, "functions": 2, "capabilities": 2,
			},
			"command_injection": {
				"sudo": 3, "rm": 2, "rf": 2, "mkfs": 4, "chmod": 2,
				"shell": 2, "bash": 2, "powershell": 2,
			},
			"sql_injection": {
				"drop": 2, "union": 2, "select": 1, "table": 1, "truncate": 3,
			},
			"code_execution": {
				"eval": 3, "exec": 3, "subprocess": 3, "popen": 3,
				"__builtins__": 4, "__import__": 4, "__globals__": 4,
			},
			"data_exfiltration": {
				"exfiltrate": 4, "upload": 1, "base64": 2, "send": 1,
			},
			"sensitive_data": {
				"password": 2, "credentials": 3, "token": 1, "apikey": 3,
				"ssn": 3,
			},
		},
	}
}
