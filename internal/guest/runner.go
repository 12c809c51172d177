package guest

import "encoding/json"

// runnerScript is written to scratchRunnerPath on every task and executed
// by the system interpreter. It loads the submitted strategy module,
// instantiates its Strategy class, and drives the pre-installed native
// backtest engine. Kept as a single embedded string rather than a file in
// the rootfs image so a strategy can never shadow or tamper with it from
// its own working directory.
const runnerScript = `
import sys
import json
import os
import traceback
import importlib.util
import numpy as np


class NumericEncoder(json.JSONEncoder):
    def default(self, obj):
        if isinstance(obj, np.ndarray):
            return obj.tolist()
        return super().default(obj)


def load_strategy(path):
    spec = importlib.util.spec_from_file_location("submitted_strategy", path)
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)
    return mod.Strategy


def main():
    try:
        try:
            from stratvm_engine import BacktestEngine
        except ImportError:
            print(json.dumps({
                "status": "error",
                "error": "backtest engine not importable; PYTHONPATH is: %s" % sys.path,
            }))
            return

        strategy_cls = load_strategy("/tmp/strategy.py")
        strategy = strategy_cls()
        duration = getattr(strategy, "MAX_DURATION", 30)
        data_path = os.getenv("DATA_PATH", "/code/historical_data")

        engine = BacktestEngine(strategy, duration, data_path, 0.0)
        report = engine.run()

        print(json.dumps({"status": "success", "report": report}, cls=NumericEncoder))

    except Exception:
        print(json.dumps({"status": "error", "error": traceback.format_exc()}))


if __name__ == "__main__":
    main()
`

// unmarshalRunnerOutput parses the runner stub's single printed JSON line.
// Kept as its own function (rather than inlining json.Unmarshal) because a
// runner that prints diagnostics before its final line is a plausible
// future change, and this is the one place that would need to start
// scanning for the last line instead of treating stdout as one document.
func unmarshalRunnerOutput(stdout []byte, v any) error {
	return json.Unmarshal(stdout, v)
}
