package ethledger

// chatABI covers the subset of the chat contract the engine calls.
const chatABI = `[
  {"type": "function", "name": "checkUserExists", "stateMutability": "view", "inputs": [{"name": "pubkey", "type": "address"}], "outputs": [{"name": "", "type": "bool"}]},
  {"type": "function", "name": "checkUsernameExists", "stateMutability": "view", "inputs": [{"name": "username", "type": "string"}], "outputs": [{"name": "", "type": "bool"}]},
  {"type": "function", "name": "createAccount", "stateMutability": "nonpayable", "inputs": [{"name": "name", "type": "string"}], "outputs": []},
  {"type": "function", "name": "getUsername", "stateMutability": "view", "inputs": [{"name": "pubkey", "type": "address"}], "outputs": [{"name": "", "type": "string"}]},
  {"type": "function", "name": "getAddressByUsername", "stateMutability": "view", "inputs": [{"name": "username", "type": "string"}], "outputs": [{"name": "", "type": "address"}]},
  {"type": "function", "name": "addFriend", "stateMutability": "nonpayable", "inputs": [{"name": "friend_key", "type": "address"}, {"name": "name", "type": "string"}], "outputs": []},
  {"type": "function", "name": "getMyFriendList", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "tuple[]", "components": [{"name": "pubkey", "type": "address"}, {"name": "name", "type": "string"}]}]},
  {"type": "function", "name": "sendMessage", "stateMutability": "nonpayable", "inputs": [{"name": "friend_key", "type": "address"}, {"name": "_msg", "type": "string"}], "outputs": []},
  {"type": "function", "name": "readMessage", "stateMutability": "view", "inputs": [{"name": "friend_key", "type": "address"}], "outputs": [{"name": "", "type": "tuple[]", "components": [{"name": "sender", "type": "address"}, {"name": "timestamp", "type": "uint256"}, {"name": "msg", "type": "string"}, {"name": "isDelivered", "type": "bool"}]}]},
  {"type": "function", "name": "sendDirectMessage", "stateMutability": "nonpayable", "inputs": [{"name": "receiver_key", "type": "address"}, {"name": "_msg", "type": "string"}], "outputs": []},
  {"type": "function", "name": "readDirectMessage", "stateMutability": "view", "inputs": [{"name": "other_key", "type": "address"}], "outputs": [{"name": "", "type": "tuple[]", "components": [{"name": "sender", "type": "address"}, {"name": "timestamp", "type": "uint256"}, {"name": "msg", "type": "string"}, {"name": "isDelivered", "type": "bool"}]}]},
  {"type": "function", "name": "blockUser", "stateMutability": "nonpayable", "inputs": [{"name": "user_to_block", "type": "address"}], "outputs": []},
  {"type": "function", "name": "unblockUser", "stateMutability": "nonpayable", "inputs": [{"name": "user_to_unblock", "type": "address"}], "outputs": []},
  {"type": "function", "name": "isBlocked", "stateMutability": "view", "inputs": [{"name": "user", "type": "address"}], "outputs": [{"name": "", "type": "bool"}]},
  {"type": "function", "name": "getDirectMessageSenders", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "address[]"}]},
  {"type": "function", "name": "removeDirectMessageSender", "stateMutability": "nonpayable", "inputs": [{"name": "sender", "type": "address"}], "outputs": []},
  {"type": "function", "name": "getAccountCreationTime", "stateMutability": "view", "inputs": [{"name": "pubkey", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "userCount", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "totalMessageCount", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]}
]`
