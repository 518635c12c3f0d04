package main

// Embedded runner for the strategy process. The runner:
// 1. Loads the user's Strategy class from /tmp/strategy.py
// 2. Constructs the Rust backtest engine with the strategy's MAX_DURATION
// 3. Prints the report as JSON (numpy arrays converted to lists)
//
// Failures print an error JSON with the full traceback; the agent relays
// stdout verbatim either way.

const runnerScript = `import sys
import json
import os
import traceback
import importlib.util
import numpy as np

class NumpyEncoder(json.JSONEncoder):
    def default(self, obj):
        if isinstance(obj, np.ndarray):
            return obj.tolist()
        return super().default(obj)

def load_strategy(path):
    spec = importlib.util.spec_from_file_location("user_module", path)
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)
    return mod.Strategy

def main():
    try:
        try:
            from tradekit_rust import BacktestEngine
        except ImportError:
            print(json.dumps({
                "status": "error",
                "error": f"Rust Engine not found. PYTHONPATH is: {sys.path}"
            }))
            return

        StrategyClass = load_strategy("/tmp/strategy.py")
        strategy_instance = StrategyClass()
        duration = getattr(strategy_instance, "MAX_DURATION", 30)
        data_path = os.getenv("DATA_PATH", "/code/historical_data")

        engine = BacktestEngine(strategy_instance, duration, data_path, 0.0)
        report = engine.run()

        print(json.dumps({"status": "success", "report": report}, cls=NumpyEncoder))

    except Exception:
        print(json.dumps({"status": "error", "error": traceback.format_exc()}))

if __name__ == "__main__":
    main()
`
